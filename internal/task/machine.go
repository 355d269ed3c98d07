package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
)

// Machine is the persisted state of one task. Transitions are validated
// against the state table, written to the store with a compare-and-set on the
// previous state, audited and published.
type Machine struct {
	id        string
	sessionID string
	store     *persistence.Store
	audit     *audit.Log
	bus       *bus.Bus
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	since time.Time

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
}

type machineDeps struct {
	store  *persistence.Store
	audit  *audit.Log
	bus    *bus.Bus
	logger *slog.Logger
}

func newMachine(ctx context.Context, deps machineDeps, taskID, sessionID, description, input string) (*Machine, error) {
	if err := deps.store.CreateTask(ctx, persistence.TaskRecord{
		TaskID:      taskID,
		SessionID:   sessionID,
		State:       string(StateIdle),
		Description: description,
		Input:       input,
	}); err != nil {
		return nil, err
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return &Machine{
		id:        taskID,
		sessionID: sessionID,
		store:     deps.store,
		audit:     deps.audit,
		bus:       deps.bus,
		logger:    deps.logger,
		state:     StateIdle,
		since:     time.Now().UTC(),
		cancelCh:  make(chan struct{}),
	}, nil
}

// restoreMachine rebuilds a machine for a persisted task without creating it.
func restoreMachine(deps machineDeps, rec persistence.TaskRecord) *Machine {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	m := &Machine{
		id:        rec.TaskID,
		sessionID: rec.SessionID,
		store:     deps.store,
		audit:     deps.audit,
		bus:       deps.bus,
		logger:    deps.logger,
		state:     State(rec.State),
		since:     rec.UpdatedAt,
		cancelCh:  make(chan struct{}),
	}
	if rec.CancelRequested {
		m.cancelRequested.Store(true)
		m.cancelOnce.Do(func() { close(m.cancelCh) })
	}
	return m
}

func (m *Machine) ID() string        { return m.id }
func (m *Machine) SessionID() string { return m.sessionID }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Transition moves the task to `to`. The write survives ctx cancellation.
func (m *Machine) Transition(ctx context.Context, to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if err := checkTransition(from, to); err != nil {
		return err
	}
	t := persistence.TaskTransition{TaskID: m.id, From: string(from), To: string(to), Reason: reason}
	if to == StateFailed {
		t.Error = reason
	}
	if err := m.store.TransitionTask(context.WithoutCancel(ctx), t); err != nil {
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	m.state = to
	m.since = time.Now().UTC()

	sev := audit.SeverityInfo
	switch to {
	case StateFailed:
		sev = audit.SeverityError
	case StateCancelled, StateAwaitingApproval:
		sev = audit.SeverityWarning
	}
	m.audit.Record(ctx, audit.Event{
		Severity: sev,
		Category: audit.CategoryTask,
		TaskID:   m.id,
		Action:   "task.transition",
		Outcome:  strings.ToLower(string(to)),
		Payload:  map[string]any{"from": string(from), "to": string(to), "reason": reason},
	})
	ev := bus.TaskStateChangedEvent{
		TaskID:    m.id,
		SessionID: m.sessionID,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		At:        m.since,
	}
	m.bus.Publish(bus.TopicTaskStateChanged, ev)
	if to.Terminal() {
		m.bus.Publish(bus.TopicTaskCompleted, ev)
	}
	m.logger.Debug("task transition", "task_id", m.id, "from", string(from), "to", string(to), "reason", reason)
	return nil
}

// Fail moves the task to FAILED from wherever it is.
func (m *Machine) Fail(ctx context.Context, reason string) error {
	return m.Transition(ctx, StateFailed, reason)
}

// RequestCancel sets the cancellation flag. The task observes it at its next
// checkpoint. It reports false when the task has already finished.
func (m *Machine) RequestCancel(ctx context.Context) (bool, error) {
	if m.State().Terminal() {
		return false, nil
	}
	ok, err := m.store.RequestTaskCancel(ctx, m.id, TerminalStates())
	if err != nil {
		return false, err
	}
	m.cancelRequested.Store(true)
	m.cancelOnce.Do(func() { close(m.cancelCh) })
	m.audit.Record(ctx, audit.Event{
		Severity: audit.SeverityWarning,
		Category: audit.CategoryTask,
		TaskID:   m.id,
		Action:   "task.cancel_requested",
		Outcome:  "flagged",
		Payload:  map[string]any{"state": string(m.State())},
	})
	return ok, nil
}

func (m *Machine) CancelRequested() bool { return m.cancelRequested.Load() }

// Cancelled is closed once cancellation has been requested.
func (m *Machine) Cancelled() <-chan struct{} { return m.cancelCh }

// Checkpoint is the only place cancellation takes effect. When the flag is
// set the task moves to CANCELLED and ErrCancelled is returned.
func (m *Machine) Checkpoint(ctx context.Context) error {
	reason := ""
	switch {
	case m.cancelRequested.Load():
		reason = "cancel requested"
	case ctx.Err() != nil:
		reason = "shutdown"
	default:
		return nil
	}
	if err := m.Transition(ctx, StateCancelled, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrCancelled, reason)
}
