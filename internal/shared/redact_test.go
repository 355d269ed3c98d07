package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_GoogleKey(t *testing.T) {
	input := "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"WARDEN_TELEGRAM_TOKEN", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"BIND_ADDR", "127.0.0.1:8080", "127.0.0.1:8080"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawQ failed"
	if got := Redact(input); got == input {
		t.Fatalf("expected telegram token to be redacted, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Fatalf("expected abc..., got %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestSafeParams(t *testing.T) {
	long := strings.Repeat("x", 150)
	in := map[string]any{
		"api_key": "whatever",
		"body":    long,
		"count":   3,
		"nested":  map[string]any{"password": "p"},
	}
	out := SafeParams(in, 100)
	if out["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key masked, got %v", out["api_key"])
	}
	if got := out["body"].(string); len(got) != 103 {
		t.Fatalf("expected truncated body, got len %d", len(got))
	}
	if out["count"] != 3 {
		t.Fatalf("expected count untouched")
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" {
		t.Fatalf("expected nested password masked")
	}
	if in["body"] != long {
		t.Fatalf("input mutated")
	}
}
