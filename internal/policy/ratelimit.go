package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

type counterKey struct {
	tool  string
	scope string
}

// counter is one fixed window. Counters live in memory only and start over
// after a restart.
type counter struct {
	windowStart time.Time
	count       int
}

// RateLimiter is a fixed-window counter keyed by (tool, scope).
type RateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	overrides map[string]int
	now       func() time.Time
	counters  map[counterKey]*counter
}

// NewRateLimiter creates a limiter. now may be nil.
func NewRateLimiter(limit int, window time.Duration, overrides map[string]int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	r := &RateLimiter{now: now, counters: map[counterKey]*counter{}}
	r.Configure(limit, window, overrides)
	return r
}

// Configure changes limits for subsequent calls. Existing windows keep their
// counts.
func (r *RateLimiter) Configure(limit int, window time.Duration, overrides map[string]int) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	cp := make(map[string]int, len(overrides))
	for tool, n := range overrides {
		cp[normalizeName(tool)] = n
	}
	r.mu.Lock()
	r.limit, r.window, r.overrides = limit, window, cp
	r.mu.Unlock()
}

func (r *RateLimiter) limitFor(tool string) int {
	if n, ok := r.overrides[tool]; ok && n > 0 {
		return n
	}
	return r.limit
}

// Allow counts one call for (tool, scope) and reports whether it fits in the
// current window. A rejected call is not counted.
func (r *RateLimiter) Allow(tool, scope string) (ok bool, remaining int, resetAt time.Time) {
	key := counterKey{tool: normalizeName(tool), scope: scope}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.counters[key]
	if c == nil || !now.Before(c.windowStart.Add(r.window)) {
		c = &counter{windowStart: now}
		r.counters[key] = c
	}
	limit := r.limitFor(key.tool)
	resetAt = c.windowStart.Add(r.window)
	if c.count >= limit {
		return false, 0, resetAt
	}
	c.count++
	return true, limit - c.count, resetAt
}

// Usage returns the count in the current window for (tool, scope).
func (r *RateLimiter) Usage(tool, scope string) int {
	key := counterKey{tool: normalizeName(tool), scope: scope}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters[key]
	if c == nil || !r.now().Before(c.windowStart.Add(r.window)) {
		return 0
	}
	return c.count
}

// ResetScope drops every counter for scope and returns how many were removed.
func (r *RateLimiter) ResetScope(scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.counters {
		if k.scope == scope {
			delete(r.counters, k)
			n++
		}
	}
	return n
}

// Prune drops expired windows.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for k, c := range r.counters {
		if !now.Before(c.windowStart.Add(r.window)) {
			delete(r.counters, k)
			n++
		}
	}
	return n
}

// StartPruning runs Prune every interval until ctx is done.
func (r *RateLimiter) StartPruning(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Prune()
			}
		}
	}()
}

// Scopes lists scope keys with live counters, sorted.
func (r *RateLimiter) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	seen := map[string]struct{}{}
	out := []string{}
	for k, c := range r.counters {
		if !now.Before(c.windowStart.Add(r.window)) {
			continue
		}
		if _, ok := seen[k.scope]; !ok {
			seen[k.scope] = struct{}{}
			out = append(out, k.scope)
		}
	}
	sort.Strings(out)
	return out
}

// ScopeUsage returns the per-tool counts of scope's live windows.
func (r *RateLimiter) ScopeUsage(scope string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := map[string]int{}
	for k, c := range r.counters {
		if k.scope == scope && now.Before(c.windowStart.Add(r.window)) {
			out[k.tool] = c.count
		}
	}
	return out
}
