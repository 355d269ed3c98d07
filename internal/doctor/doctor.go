package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkService,
		checkReasoning,
		checkNotify,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	if info, err := os.Stat(cfg.TokenPath()); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: "Auth token readable by other users",
			Detail:  fmt.Sprintf("chmod 600 %s", cfg.TokenPath()),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	pending, err := store.CountDLQEntries(ctx, persistence.ResolutionPending)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	inDoubt, err := store.CountIdempotencyRecords(ctx, persistence.LedgerPending)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("dlq_pending=%d outbox_pending=%d", pending, inDoubt)
	if pending > 0 || inDoubt > 0 {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Items are waiting on an operator", Detail: detail}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: detail}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("%s invalid: %v", config.PolicyFile, err)}
	}
	if _, err := policy.LoadRiskOverrides(cfg.RiskPath()); err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("%s invalid: %v", config.RiskFile, err)}
	}
	msg := "Built-in default policy"
	if _, err := os.Stat(cfg.PolicyPath()); err == nil {
		msg = "Loaded " + config.PolicyFile
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: msg, Detail: "policy_version=" + p.PolicyVersion()}
}

// checkService asks a running service for /healthz. Not running is a
// warning: the CLI diagnoses offline installs too.
func checkService(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Service", Status: StatusSkip, Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Service", Status: StatusFail, Message: fmt.Sprintf("Bad bind_addr: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Service", Status: StatusWarn, Message: fmt.Sprintf("Not reachable at %s", cfg.BindAddr), Detail: err.Error()}
	}
	defer resp.Body.Close()
	var health struct {
		Healthy           bool     `json:"healthy"`
		Degraded          bool     `json:"degraded"`
		BreakersNotClosed []string `json:"breakers_not_closed"`
		Fingerprint       string   `json:"config_fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return CheckResult{Name: "Service", Status: StatusFail, Message: fmt.Sprintf("Unexpected /healthz answer: %v", err)}
	}
	switch {
	case !health.Healthy:
		return CheckResult{Name: "Service", Status: StatusFail, Message: "Service reports unhealthy"}
	case health.Degraded:
		return CheckResult{Name: "Service", Status: StatusWarn, Message: "Running degraded", Detail: fmt.Sprintf("breakers not closed: %v", health.BreakersNotClosed)}
	case health.Fingerprint != cfg.Fingerprint():
		return CheckResult{Name: "Service", Status: StatusWarn, Message: "Running with an older config; restart to apply config.yaml"}
	}
	return CheckResult{Name: "Service", Status: StatusPass, Message: fmt.Sprintf("Healthy at %s", cfg.BindAddr)}
}

func checkReasoning(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Reasoning.Endpoint == "" {
		return CheckResult{Name: "Reasoning", Status: StatusSkip, Message: "No external endpoint; built-in rules only"}
	}
	u, err := url.Parse(cfg.Reasoning.Endpoint)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Reasoning", Status: StatusFail, Message: fmt.Sprintf("Invalid endpoint %q", cfg.Reasoning.Endpoint)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Reasoning",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Reasoning",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

func checkNotify(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Notify", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Notify.Telegram
	switch {
	case tg.Token != "" && tg.ChatID != 0:
		return CheckResult{Name: "Notify", Status: StatusPass, Message: "Telegram alerts configured"}
	case tg.Token != "" || tg.ChatID != 0:
		return CheckResult{Name: "Notify", Status: StatusWarn, Message: "Telegram needs both token and chat_id"}
	}
	return CheckResult{Name: "Notify", Status: StatusWarn, Message: "Alerts go to the log only", Detail: "set TELEGRAM_TOKEN and WARDEN_TELEGRAM_CHAT_ID"}
}
