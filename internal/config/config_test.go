package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/warden/internal/config"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(dir), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromWardenHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dir := filepath.Join(home, ".warden")
	writeConfig(t, dir, "bind_addr: 127.0.0.1:9999\ntask:\n  max_retries: 5\nbreaker:\n  threshold: 4\n")
	t.Setenv("HOME", home)
	t.Setenv("WARDEN_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("home dir %q, want %q", cfg.HomeDir, dir)
	}
	if cfg.BindAddr != "127.0.0.1:9999" || cfg.Task.MaxRetries != 5 || cfg.Breaker.Threshold != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Unset keys keep their defaults.
	if cfg.Task.MaxSteps != 8 || cfg.Breaker.Cooldown() != 2*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.FirstRun {
		t.Fatal("FirstRun must be false when config.yaml exists")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun")
	}
	if cfg.BindAddr != "127.0.0.1:18790" || cfg.ApprovalTimeout() != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Notify.DigestSchedule != "0 9 * * *" {
		t.Fatalf("digest schedule %q", cfg.Notify.DigestSchedule)
	}
	if cfg.Tools.NotesDir != filepath.Join(dir, "notes") {
		t.Fatalf("notes dir %q", cfg.Tools.NotesDir)
	}
	if cfg.PolicyPath() != filepath.Join(dir, "policy.yaml") || cfg.RiskPath() != filepath.Join(dir, "risk.yaml") {
		t.Fatalf("paths %q %q", cfg.PolicyPath(), cfg.RiskPath())
	}
}

func TestLoad_WardenHomeOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom")
	t.Setenv("WARDEN_HOME", dir)
	if got := config.HomeDir(); got != dir {
		t.Fatalf("HomeDir() = %q, want %q", got, dir)
	}
	if _, err := config.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log_level: debug\napproval_timeout_seconds: 5\n")
	t.Setenv("WARDEN_LOG_LEVEL", "WARN")
	t.Setenv("WARDEN_APPROVAL_TIMEOUT_SECONDS", "90")
	t.Setenv("WARDEN_BIND_ADDR", "0.0.0.0:1234")
	t.Setenv("TELEGRAM_TOKEN", "tg-token")
	t.Setenv("WARDEN_TELEGRAM_CHAT_ID", "42")
	t.Setenv("WARDEN_MAX_RETRIES", "not-a-number")

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level %q", cfg.LogLevel)
	}
	if cfg.ApprovalTimeoutSeconds != 90 || cfg.BindAddr != "0.0.0.0:1234" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Notify.Telegram.Token != "tg-token" || cfg.Notify.Telegram.ChatID != 42 {
		t.Fatalf("telegram overrides: %+v", cfg.Notify.Telegram)
	}
	if cfg.Task.MaxRetries != 3 {
		t.Fatalf("bad env value must be ignored, got %d", cfg.Task.MaxRetries)
	}
}

func TestLoad_NormalizesNonPositive(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "task:\n  max_retries: -1\n  backoff_base_ms: 500\n  backoff_max_ms: 100\nbreaker:\n  window_seconds: 0\nwatchdog:\n  heartbeat_timeout_seconds: -1\n")
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Task.MaxRetries != 3 {
		t.Fatalf("max retries %d", cfg.Task.MaxRetries)
	}
	if cfg.Task.BackoffMax() != cfg.Task.BackoffBase() {
		t.Fatalf("backoff max %v must be raised to base %v", cfg.Task.BackoffMax(), cfg.Task.BackoffBase())
	}
	if cfg.Breaker.Window() != 5*time.Minute {
		t.Fatalf("breaker window %v", cfg.Breaker.Window())
	}
	if cfg.Watchdog.HeartbeatTimeout != -1 {
		t.Fatalf("negative heartbeat timeout must be kept, got %d", cfg.Watchdog.HeartbeatTimeout)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"exporter", "otel:\n  exporter: zipkin\n", "otel.exporter"},
		{"heartbeat", "heartbeat_interval_seconds: 120\nwatchdog:\n  heartbeat_timeout_seconds: 60\n", "heartbeat_timeout_seconds"},
		{"yaml", "task: [\n", "parse config.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.body)
			_, err := config.LoadFrom(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Notify.Telegram.Token = "secret"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("secrets must not change the fingerprint")
	}
	b.Task.MaxRetries++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("task settings must change the fingerprint")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint %q", a.Fingerprint())
	}
}
