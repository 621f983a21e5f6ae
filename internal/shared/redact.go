package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactionRules covers the secrets this service actually handles: LLM
// provider keys, bearer tokens, the authorization signatures carried on
// mandates, and card numbers arriving in payment method details. Rules
// with a capture group keep the prefix so the log line stays readable.
var redactionRules = []*regexp.Regexp{
	// key=value assignments for API keys and auth tokens
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization: Bearer headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google provider keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// user/merchant authorization signatures; the suffix embeds the
	// mandate id, so the whole value goes
	regexp.MustCompile(`(?i)((?:user|merchant)_authorization"?\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})"?`),
	// signature placeholders appearing outside a key=value shape
	regexp.MustCompile(`(?:USER|MERCHANT)_SIG_[A-Za-z0-9\-]{8,}`),
	// card numbers, with or without separators
	regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
	// token-looking UUIDs after auth prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, rule := range redactionRules {
		result = rule.ReplaceAllStringFunc(result, func(match string) string {
			sub := rule.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// sensitiveKeyTokens flags env and log keys whose values must never be
// printed. "authorization" catches user_authorization and
// merchant_authorization on mandates.
var sensitiveKeyTokens = []string{
	"api_key", "apikey", "secret", "token", "password", "credential", "authorization",
}

// RedactEnvValue returns the value unless the key names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, tok := range sensitiveKeyTokens {
		if strings.Contains(keyLower, tok) {
			return redactedPlaceholder
		}
	}
	return value
}
