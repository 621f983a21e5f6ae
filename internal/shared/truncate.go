package shared

import "unicode/utf8"

// TruncateRunes caps s at max bytes without splitting a UTF-8 rune. The
// cut point backs off to the previous rune boundary, so the result is
// always valid UTF-8 and never longer than max.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
