// Package telemetry builds the process logger: JSONL to disk, optionally
// mirrored to stdout, with secret redaction applied to every attribute
// before it is written.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/consultd/internal/shared"
)

// logFileName is the JSONL sink under <home>/logs.
const logFileName = "consultd.jsonl"

// sensitiveKeys name attributes whose values are always replaced, however
// harmless the value looks. Mandate authorizations are listed outright:
// user_authorization and merchant_authorization carry signature
// placeholders that embed mandate ids.
var sensitiveKeys = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
	"user_authorization", "merchant_authorization", "card_number",
}

// NewLogger opens the log file under homeDir and returns a JSON logger
// writing to it. quiet suppresses the stdout mirror. The returned closer
// owns the file handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// scrubAttr renames the time key and redacts secrets, by key first and
// then by value pattern.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if scrubbed, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// scrubValue redacts a string attribute value. Auth headers and key
// material drop the whole value; everything else goes through the shared
// pattern rules, which also catch mandate signatures and card numbers.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
