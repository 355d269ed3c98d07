package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig is the fixed-window limit applied per (tool, scope).
type RateLimitConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
	// Overrides sets a per-tool limit.
	Overrides map[string]int `yaml:"overrides,omitempty"`
}

// Policy is the serializable operator policy (policy.yaml).
type Policy struct {
	// DenyTools lists tools ("email") or qualified operations ("email.send")
	// that are never allowed.
	DenyTools              []string        `yaml:"deny_tools"`
	RateLimit              RateLimitConfig `yaml:"rate_limit"`
	ApprovalTimeoutSeconds int             `yaml:"approval_timeout_seconds"`
}

const (
	DefaultRateLimit       = 20
	DefaultRateWindow      = time.Hour
	DefaultApprovalTimeout = 60 * time.Second
)

func Default() Policy {
	return Policy{
		RateLimit: RateLimitConfig{
			Limit:         DefaultRateLimit,
			WindowSeconds: int(DefaultRateWindow / time.Second),
		},
		ApprovalTimeoutSeconds: int(DefaultApprovalTimeout / time.Second),
	}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	p.normalize()
	return p, nil
}

func (p Policy) validate() error {
	if p.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must be >= 0")
	}
	if p.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("rate_limit.window_seconds must be >= 0")
	}
	if p.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("approval_timeout_seconds must be >= 0")
	}
	for tool, limit := range p.RateLimit.Overrides {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("rate_limit.overrides: empty tool name")
		}
		if limit < 0 {
			return fmt.Errorf("rate_limit.overrides[%s] must be >= 0", tool)
		}
	}
	return nil
}

func (p *Policy) normalize() {
	if p.RateLimit.Limit == 0 {
		p.RateLimit.Limit = DefaultRateLimit
	}
	if p.RateLimit.WindowSeconds == 0 {
		p.RateLimit.WindowSeconds = int(DefaultRateWindow / time.Second)
	}
	if p.ApprovalTimeoutSeconds == 0 {
		p.ApprovalTimeoutSeconds = int(DefaultApprovalTimeout / time.Second)
	}
	deny := p.DenyTools[:0]
	for _, t := range p.DenyTools {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			deny = append(deny, t)
		}
	}
	p.DenyTools = deny
}

// Denies reports whether tool or tool.operation is on the deny list.
func (p Policy) Denies(tool, operation string) bool {
	tool = strings.ToLower(strings.TrimSpace(tool))
	qualified := tool + "." + strings.ToLower(strings.TrimSpace(operation))
	for _, d := range p.DenyTools {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == tool || d == qualified {
			return true
		}
	}
	return false
}

func (p Policy) RateWindow() time.Duration {
	if p.RateLimit.WindowSeconds <= 0 {
		return DefaultRateWindow
	}
	return time.Duration(p.RateLimit.WindowSeconds) * time.Second
}

func (p Policy) ApprovalTimeout() time.Duration {
	if p.ApprovalTimeoutSeconds <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(p.ApprovalTimeoutSeconds) * time.Second
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy for concurrent reads and hot reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) Denies(tool, operation string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Denies(tool, operation)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DenyTools = append([]string(nil), lp.data.DenyTools...)
	if lp.data.RateLimit.Overrides != nil {
		cp.RateLimit.Overrides = make(map[string]int, len(lp.data.RateLimit.Overrides))
		for k, v := range lp.data.RateLimit.Overrides {
			cp.RateLimit.Overrides[k] = v
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) (Policy, error) {
	if lp == nil {
		return Policy{}, fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return Policy{}, err
	}
	lp.Reload(p)
	return p, nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	deny := append([]string(nil), p.DenyTools...)
	sort.Strings(deny)
	for _, v := range deny {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("limit=" + strconv.Itoa(p.RateLimit.Limit) + "|"))
	_, _ = h.Write([]byte("window=" + strconv.Itoa(p.RateLimit.WindowSeconds) + "|"))
	tools := make([]string, 0, len(p.RateLimit.Overrides))
	for tool := range p.RateLimit.Overrides {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		_, _ = h.Write([]byte(tool + "=" + strconv.Itoa(p.RateLimit.Overrides[tool]) + "|"))
	}
	_, _ = h.Write([]byte("approval=" + strconv.Itoa(p.ApprovalTimeoutSeconds) + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
