// Package breaker guards calls to an upstream dependency with a
// CLOSED/OPEN/HALF_OPEN circuit breaker and a caller-supplied fallback.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/notify"
	otelPkg "github.com/basket/warden/internal/otel"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type Config struct {
	Name string
	// Threshold consecutive failures within Window open the circuit.
	Threshold int
	Window    time.Duration
	// Cooldown is how long the circuit stays OPEN before a trial call.
	Cooldown time.Duration

	Now      func() time.Time
	Logger   *slog.Logger
	Notifier notify.Notifier
	Audit    *audit.Log
	Bus      *bus.Bus
	Store    KVStore
	Metrics  *otelPkg.Metrics
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Failures     int       `json:"failures"`
	FirstFailure time.Time `json:"first_failure,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	ChangedAt    time.Time `json:"changed_at,omitempty"`
	Rejected     int64     `json:"rejected"`
}

type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	firstFailure  time.Time
	lastFailure   time.Time
	openedAt      time.Time
	changedAt     time.Time
	trialInFlight bool

	rejected atomic.Int64
}

type transition struct {
	from, to State
	reason   string
	snap     Snapshot
}

func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

func (b *Breaker) Name() string { return b.cfg.Name }

// Do invokes primary when the circuit admits it and fallback otherwise. A
// primary failure is counted and then served by fallback as well, so callers
// never see the upstream error while a fallback exists.
func Do[T any](ctx context.Context, b *Breaker, primary, fallback func(context.Context) (T, error)) (T, error) {
	trial, ok := b.admit(ctx)
	if !ok {
		b.rejected.Add(1)
		return runFallback(ctx, b, fallback, errors.New("circuit open"))
	}
	v, err := primary(ctx)
	b.record(ctx, trial, err)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, err
	}
	return runFallback(ctx, b, fallback, err)
}

func runFallback[T any](ctx context.Context, b *Breaker, fallback func(context.Context) (T, error), cause error) (T, error) {
	if fallback == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", action.ErrUpstreamUnavailable, b.cfg.Name, cause)
	}
	return fallback(ctx)
}

// Call is Do for functions without a result.
func (b *Breaker) Call(ctx context.Context, primary, fallback func(context.Context) error) error {
	wrap := func(fn func(context.Context) error) func(context.Context) (struct{}, error) {
		if fn == nil {
			return nil
		}
		return func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) }
	}
	_, err := Do(ctx, b, wrap(primary), wrap(fallback))
	return err
}

// admit decides whether primary may run. trial is true for the single call
// admitted in HALF_OPEN.
func (b *Breaker) admit(ctx context.Context) (trial, ok bool) {
	b.mu.Lock()
	var tr *transition
	switch b.state {
	case StateClosed:
		ok = true
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			tr = b.setStateLocked(StateHalfOpen, "cooldown elapsed")
			b.trialInFlight = true
			trial, ok = true, true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			trial, ok = true, true
		}
	}
	b.mu.Unlock()
	b.emit(ctx, tr)
	return trial, ok
}

func (b *Breaker) record(ctx context.Context, trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	now := b.cfg.Now()
	cancelled := err != nil && ctx.Err() != nil

	switch {
	case trial:
		b.trialInFlight = false
		if b.state != StateHalfOpen || cancelled {
			// The caller gave up; the next caller gets the trial.
			break
		}
		if err == nil {
			b.failures = 0
			b.firstFailure = time.Time{}
			tr = b.setStateLocked(StateClosed, "trial call succeeded")
		} else {
			b.lastFailure = now
			b.openedAt = now
			tr = b.setStateLocked(StateOpen, "trial call failed: "+err.Error())
		}
	case b.state != StateClosed || cancelled:
	case err == nil:
		b.failures = 0
		b.firstFailure = time.Time{}
	default:
		if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.Threshold {
			b.openedAt = now
			tr = b.setStateLocked(StateOpen, fmt.Sprintf("%d consecutive failures: %v", b.failures, err))
		}
	}
	b.mu.Unlock()
	b.emit(ctx, tr)
}

// setStateLocked must be called with b.mu held.
func (b *Breaker) setStateLocked(to State, reason string) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.changedAt = b.cfg.Now()
	return &transition{from: from, to: to, reason: reason, snap: b.snapshotLocked()}
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:         b.cfg.Name,
		State:        b.state,
		Failures:     b.failures,
		FirstFailure: b.firstFailure,
		LastFailure:  b.lastFailure,
		OpenedAt:     b.openedAt,
		ChangedAt:    b.changedAt,
		Rejected:     b.rejected.Load(),
	}
}

func (b *Breaker) emit(ctx context.Context, tr *transition) {
	if tr == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	name := b.cfg.Name

	sev := audit.SeverityInfo
	nsev := notify.SeverityInfo
	if tr.to == StateOpen {
		sev = audit.SeverityWarning
		nsev = notify.SeverityWarning
	}
	b.cfg.Logger.Warn("circuit breaker transition",
		"breaker", name,
		"from", string(tr.from),
		"to", string(tr.to),
		"reason", tr.reason,
	)
	b.cfg.Audit.Record(ctx, audit.Event{
		Severity: sev,
		Category: audit.CategoryBreaker,
		Action:   "breaker.transition",
		Outcome:  string(tr.to),
		Payload: map[string]any{
			"breaker":  name,
			"from":     string(tr.from),
			"to":       string(tr.to),
			"reason":   tr.reason,
			"failures": tr.snap.Failures,
		},
	})
	notify.Send(ctx, b.cfg.Notifier, b.cfg.Logger, notify.Message{
		Title:    fmt.Sprintf("breaker %s: %s -> %s", name, tr.from, tr.to),
		Text:     tr.reason,
		Severity: nsev,
	})
	b.cfg.Bus.Publish(bus.TopicBreakerChanged, bus.BreakerChangedEvent{
		Name:   name,
		From:   string(tr.from),
		To:     string(tr.to),
		Reason: tr.reason,
		At:     tr.snap.ChangedAt,
	})
	b.cfg.Metrics.BreakerTransition(ctx, name, string(tr.to))
	b.persist(ctx, tr.snap)
}

func (b *Breaker) persist(ctx context.Context, snap Snapshot) {
	if b.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := b.cfg.Store.KVSet(ctx, "cb:"+b.cfg.Name, string(data)); err != nil {
		b.cfg.Logger.Warn("persist breaker state failed", "breaker", b.cfg.Name, "error", err)
	}
}

// Load restores persisted state. A breaker saved mid-trial comes back OPEN
// with its cooldown measured from the original opening.
func (b *Breaker) Load(ctx context.Context) error {
	if b.cfg.Store == nil {
		return nil
	}
	val, err := b.cfg.Store.KVGet(ctx, "cb:"+b.cfg.Name)
	if err != nil {
		return fmt.Errorf("load breaker %s: %w", b.cfg.Name, err)
	}
	if val == "" {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return fmt.Errorf("decode breaker %s: %w", b.cfg.Name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch snap.State {
	case StateOpen, StateHalfOpen:
		b.state = StateOpen
	default:
		b.state = StateClosed
	}
	b.failures = snap.Failures
	b.firstFailure = snap.FirstFailure
	b.lastFailure = snap.LastFailure
	b.openedAt = snap.OpenedAt
	b.changedAt = snap.ChangedAt
	b.trialInFlight = false
	return nil
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset is the operator override. An OPEN breaker skips the rest of its
// cooldown and goes HALF_OPEN, so the next call is the single trial. A CLOSED
// breaker forgets its failure count. HALF_OPEN is left to its trial.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	var tr *transition
	switch b.state {
	case StateOpen:
		// Backdate the opening so a restart mid-reset still finds the
		// cooldown elapsed.
		b.openedAt = b.cfg.Now().Add(-b.cfg.Cooldown)
		b.trialInFlight = false
		tr = b.setStateLocked(StateHalfOpen, "manual reset")
	case StateClosed:
		b.failures = 0
		b.firstFailure = time.Time{}
	}
	var snap Snapshot
	if tr == nil {
		snap = b.snapshotLocked()
	}
	b.mu.Unlock()
	if tr != nil {
		b.emit(ctx, tr)
		return
	}
	b.persist(ctx, snap)
}
