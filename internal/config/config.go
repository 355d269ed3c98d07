package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/telemetry"
)

const (
	defaultBindAddr = "127.0.0.1:18790"

	PolicyFile = "policy.yaml"
	RiskFile   = "risk.yaml"
)

type TaskConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	MaxSteps           int `yaml:"max_steps"`
	SessionConcurrency int `yaml:"session_concurrency"`
	MaxQueueDepth      int `yaml:"max_queue_depth"`
	BackoffBaseMillis  int `yaml:"backoff_base_ms"`
	BackoffMaxMillis   int `yaml:"backoff_max_ms"`
}

type BreakerConfig struct {
	Threshold       int `yaml:"threshold"`
	WindowSeconds   int `yaml:"window_seconds"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

type ReasoningConfig struct {
	// Endpoint of an external decider. Empty uses the built-in rule decider.
	Endpoint       string `yaml:"endpoint"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	// PerMinute caps non-critical alerts. Critical alerts are never dropped.
	PerMinute int `yaml:"per_minute"`
	// DigestSchedule is a 5-field cron expression for the operator reminder.
	DigestSchedule string `yaml:"digest_schedule"`
}

type ToolsConfig struct {
	NotesDir     string `yaml:"notes_dir"`
	ShellEnabled bool   `yaml:"shell_enabled"`
	ShellWorkDir string `yaml:"shell_work_dir"`
}

type WatchdogConfig struct {
	MaxRestarts      int `yaml:"max_restarts"`
	WindowSeconds    int `yaml:"window_seconds"`
	BackoffMaxSecond int `yaml:"backoff_max_seconds"`
	HeartbeatTimeout int `yaml:"heartbeat_timeout_seconds"`
	KillGraceSeconds int `yaml:"kill_grace_seconds"`
	TailLines        int `yaml:"tail_lines"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	DrainTimeoutSeconds      int `yaml:"drain_timeout_seconds"`
	ApprovalTimeoutSeconds   int `yaml:"approval_timeout_seconds"`

	Task      TaskConfig      `yaml:"task"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tools     ToolsConfig     `yaml:"tools"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Otel      OtelConfig      `yaml:"otel"`

	// FirstRun is set when no config.yaml existed.
	FirstRun bool `yaml:"-"`
}

func (c Config) PolicyPath() string   { return filepath.Join(c.HomeDir, PolicyFile) }
func (c Config) RiskPath() string     { return filepath.Join(c.HomeDir, RiskFile) }
func (c Config) DBPath() string       { return filepath.Join(c.HomeDir, "warden.db") }
func (c Config) TokenPath() string    { return filepath.Join(c.HomeDir, "auth.token") }
func (c Config) CrashDir() string     { return filepath.Join(c.HomeDir, "crashes") }
func (c Config) WatchdogLock() string { return filepath.Join(c.HomeDir, "watchdog.lock") }

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

func (t TaskConfig) BackoffBase() time.Duration {
	return time.Duration(t.BackoffBaseMillis) * time.Millisecond
}

func (t TaskConfig) BackoffMax() time.Duration {
	return time.Duration(t.BackoffMaxMillis) * time.Millisecond
}

func (b BreakerConfig) Window() time.Duration { return time.Duration(b.WindowSeconds) * time.Second }
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|task=%+v|breaker=%+v|approval=%d|reasoning=%s|digest=%s|shell=%t|watchdog=%+v",
		c.BindAddr, c.LogLevel, c.Task, c.Breaker, c.ApprovalTimeoutSeconds,
		c.Reasoning.Endpoint, c.Notify.DigestSchedule, c.Tools.ShellEnabled, c.Watchdog)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 defaultBindAddr,
		LogLevel:                 "info",
		HeartbeatIntervalSeconds: 30,
		DrainTimeoutSeconds:      10,
		ApprovalTimeoutSeconds:   60,
		Task: TaskConfig{
			MaxRetries:         3,
			MaxSteps:           8,
			SessionConcurrency: 2,
			MaxQueueDepth:      100,
			BackoffBaseMillis:  1000,
			BackoffMaxMillis:   30000,
		},
		Breaker: BreakerConfig{
			Threshold:       3,
			WindowSeconds:   300,
			CooldownSeconds: 120,
		},
		Reasoning: ReasoningConfig{TimeoutSeconds: 30},
		Notify: NotifyConfig{
			PerMinute:      10,
			DigestSchedule: "0 9 * * *",
		},
		Watchdog: WatchdogConfig{
			MaxRestarts:      5,
			WindowSeconds:    300,
			BackoffMaxSecond: 60,
			HeartbeatTimeout: 90,
			KillGraceSeconds: 10,
			TailLines:        200,
		},
		Otel: OtelConfig{Exporter: "none", ServiceName: "warden", SampleRate: 1.0},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies WARDEN_* overrides and fills
// defaults. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = d.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	positive(&cfg.HeartbeatIntervalSeconds, d.HeartbeatIntervalSeconds)
	positive(&cfg.DrainTimeoutSeconds, d.DrainTimeoutSeconds)
	positive(&cfg.ApprovalTimeoutSeconds, d.ApprovalTimeoutSeconds)

	positive(&cfg.Task.MaxRetries, d.Task.MaxRetries)
	positive(&cfg.Task.MaxSteps, d.Task.MaxSteps)
	positive(&cfg.Task.SessionConcurrency, d.Task.SessionConcurrency)
	positive(&cfg.Task.MaxQueueDepth, d.Task.MaxQueueDepth)
	positive(&cfg.Task.BackoffBaseMillis, d.Task.BackoffBaseMillis)
	positive(&cfg.Task.BackoffMaxMillis, d.Task.BackoffMaxMillis)
	if cfg.Task.BackoffMaxMillis < cfg.Task.BackoffBaseMillis {
		cfg.Task.BackoffMaxMillis = cfg.Task.BackoffBaseMillis
	}

	positive(&cfg.Breaker.Threshold, d.Breaker.Threshold)
	positive(&cfg.Breaker.WindowSeconds, d.Breaker.WindowSeconds)
	positive(&cfg.Breaker.CooldownSeconds, d.Breaker.CooldownSeconds)

	positive(&cfg.Reasoning.TimeoutSeconds, d.Reasoning.TimeoutSeconds)
	cfg.Reasoning.Endpoint = strings.TrimSpace(cfg.Reasoning.Endpoint)

	positive(&cfg.Notify.PerMinute, d.Notify.PerMinute)
	if strings.TrimSpace(cfg.Notify.DigestSchedule) == "" {
		cfg.Notify.DigestSchedule = d.Notify.DigestSchedule
	}

	if strings.TrimSpace(cfg.Tools.NotesDir) == "" {
		cfg.Tools.NotesDir = filepath.Join(cfg.HomeDir, "notes")
	}

	positive(&cfg.Watchdog.MaxRestarts, d.Watchdog.MaxRestarts)
	positive(&cfg.Watchdog.WindowSeconds, d.Watchdog.WindowSeconds)
	positive(&cfg.Watchdog.BackoffMaxSecond, d.Watchdog.BackoffMaxSecond)
	positive(&cfg.Watchdog.KillGraceSeconds, d.Watchdog.KillGraceSeconds)
	positive(&cfg.Watchdog.TailLines, d.Watchdog.TailLines)
	// heartbeat_timeout_seconds: 0 means default, negative disables the check.
	if cfg.Watchdog.HeartbeatTimeout == 0 {
		cfg.Watchdog.HeartbeatTimeout = d.Watchdog.HeartbeatTimeout
	}

	cfg.Otel.Exporter = strings.ToLower(strings.TrimSpace(cfg.Otel.Exporter))
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = d.Otel.Exporter
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = d.Otel.ServiceName
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = d.Otel.SampleRate
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	if _, err := telemetry.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	switch cfg.Otel.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter %q: must be none, stdout or otlp-http", cfg.Otel.Exporter)
	}
	// The watchdog must notice a hung child before the child's own heartbeat
	// would be considered late.
	if hb := cfg.Watchdog.HeartbeatTimeout; hb > 0 && hb <= cfg.HeartbeatIntervalSeconds {
		return fmt.Errorf("watchdog.heartbeat_timeout_seconds (%d) must exceed heartbeat_interval_seconds (%d)",
			hb, cfg.HeartbeatIntervalSeconds)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARDEN_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
	envInt("WARDEN_HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSeconds)
	envInt("WARDEN_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	envInt("WARDEN_APPROVAL_TIMEOUT_SECONDS", &cfg.ApprovalTimeoutSeconds)
	envInt("WARDEN_MAX_RETRIES", &cfg.Task.MaxRetries)
	envInt("WARDEN_MAX_QUEUE_DEPTH", &cfg.Task.MaxQueueDepth)
	if raw := os.Getenv("WARDEN_REASONING_ENDPOINT"); raw != "" {
		cfg.Reasoning.Endpoint = raw
	}
	if raw := os.Getenv("WARDEN_REASONING_TOKEN"); raw != "" {
		cfg.Reasoning.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
	if raw := os.Getenv("WARDEN_TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = v
		}
	}
	if raw := os.Getenv("WARDEN_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
		cfg.Otel.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}
