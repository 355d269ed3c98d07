package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/warden/internal/shared"
)

// SystemLogFile is the service log under <home>/logs.
const SystemLogFile = "system.jsonl"

// Attribute keys that name a secret somewhere in them.
var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// Attribute keys that look sensitive but carry identifiers the operator needs
// to correlate audit, ledger and DLQ records.
var publicKeys = map[string]bool{
	"idempotency_key": true,
	"retry_key":       true,
	"key":             true,
	"token_count":     true,
}

// Value fragments that mark a whole string as a credential.
var sensitiveValueParts = []string{"bearer ", "authorization:", "api_key", "approval_token"}

// NewLogger returns a JSON logger writing to <home>/logs/system.jsonl and,
// unless quiet, to stdout. The watchdog reads the stdout copy for heartbeats.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, SystemLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: redactAttr})
	return slog.New(handler).With("component", "warden", "trace_id", "-"), file, nil
}

// ParseLevel maps a log_level setting onto a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: must be debug, info, warn or error", level)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if redacted, ok := redactValue(a.Value.String()); ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" || publicKeys[lower] {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	for _, part := range sensitiveValueParts {
		if strings.Contains(lower, part) {
			return "[REDACTED]", true
		}
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

// ComponentLogger tags logger with a component name, defaulting to slog.Default.
func ComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}
