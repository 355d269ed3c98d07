package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/reasoning"
)

const (
	DefaultSessionConcurrency = 2
	DefaultMaxQueueDepth      = 100
	DefaultSessionID          = "default"

	finishedRetention = 1024
)

var (
	ErrQueueFull = errors.New("session queue full")
	ErrDraining  = errors.New("scheduler is draining")
	ErrNotFound  = persistence.ErrNotFound
)

type SchedulerConfig struct {
	Runner *Runner
	Store  *persistence.Store
	Audit  *audit.Log
	Bus    *bus.Bus
	Logger *slog.Logger

	// MaxConcurrent is the per-session ceiling on running tasks.
	MaxConcurrent int
	MaxQueueDepth int
}

// Status is a point-in-time view of one task.
type Status struct {
	TaskID          string    `json:"task_id"`
	SessionID       string    `json:"session_id"`
	State           State     `json:"state"`
	Description     string    `json:"description,omitempty"`
	Since           time.Time `json:"since"`
	CancelRequested bool      `json:"cancel_requested"`
	Queued          bool      `json:"queued"`
	Error           string    `json:"error,omitempty"`
	Response        string    `json:"response,omitempty"`
}

type entry struct {
	machine *Machine
	input   reasoning.Input
	queued  bool
	done    chan struct{}
	outcome Outcome
}

type session struct {
	running int
	queue   []*entry
}

// Scheduler runs tasks with a per-session concurrency ceiling. Submissions
// beyond the ceiling wait in a FIFO queue.
type Scheduler struct {
	cfg    SchedulerConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	tasks    map[string]*entry
	finished []string
	draining bool
	wg       sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil || cfg.Store == nil {
		return nil, fmt.Errorf("task scheduler: runner and store are required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultSessionConcurrency
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
		tasks:    map[string]*entry{},
	}, nil
}

func (s *Scheduler) deps() machineDeps {
	return machineDeps{store: s.cfg.Store, audit: s.cfg.Audit, bus: s.cfg.Bus, logger: s.cfg.Logger}
}

// Submit creates the task in IDLE and starts or queues it. The returned id is
// in.TaskID when set.
func (s *Scheduler) Submit(ctx context.Context, in reasoning.Input) (string, error) {
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	if in.SessionID == "" {
		in.SessionID = DefaultSessionID
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode task input: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return "", ErrDraining
	}
	sess := s.sessions[in.SessionID]
	if sess == nil {
		sess = &session{}
		s.sessions[in.SessionID] = sess
	}
	if sess.running >= s.cfg.MaxConcurrent && len(sess.queue) >= s.cfg.MaxQueueDepth {
		return "", fmt.Errorf("%w: session %s has %d queued", ErrQueueFull, in.SessionID, len(sess.queue))
	}

	m, err := newMachine(ctx, s.deps(), in.TaskID, in.SessionID, describe(in), string(raw))
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	e := &entry{machine: m, input: in, done: make(chan struct{})}
	s.tasks[in.TaskID] = e

	if sess.running < s.cfg.MaxConcurrent {
		s.startLocked(sess, e)
	} else {
		e.queued = true
		sess.queue = append(sess.queue, e)
		s.cfg.Logger.Info("task queued", "task_id", in.TaskID, "session_id", in.SessionID, "depth", len(sess.queue))
	}
	return in.TaskID, nil
}

func describe(in reasoning.Input) string {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Actions) > 0 {
		names := make([]string, 0, len(in.Actions))
		for _, a := range in.Actions {
			names = append(names, a.Tool+"."+a.Operation)
		}
		text = strings.Join(names, ", ")
	}
	r := []rune(text)
	if len(r) > 200 {
		text = string(r[:200])
	}
	return text
}

func (s *Scheduler) startLocked(sess *session, e *entry) {
	sess.running++
	e.queued = false
	s.wg.Add(1)
	go s.run(sess, e)
}

func (s *Scheduler) run(sess *session, e *entry) {
	defer s.wg.Done()
	out := s.cfg.Runner.Run(s.ctx, e.machine, e.input)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.running--
	s.finishLocked(e, out)
	if s.draining {
		return
	}
	if len(sess.queue) > 0 && sess.running < s.cfg.MaxConcurrent {
		next := sess.queue[0]
		sess.queue = sess.queue[1:]
		s.startLocked(sess, next)
	}
}

func (s *Scheduler) finishLocked(e *entry, out Outcome) {
	e.outcome = out
	close(e.done)
	s.finished = append(s.finished, e.machine.ID())
	if len(s.finished) > finishedRetention {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// dequeueLocked removes a queued entry. It reports false when the task has
// already started.
func (s *Scheduler) dequeueLocked(e *entry) bool {
	if !e.queued {
		return false
	}
	sess := s.sessions[e.machine.SessionID()]
	for i, q := range sess.queue {
		if q == e {
			sess.queue = append(sess.queue[:i], sess.queue[i+1:]...)
			e.queued = false
			return true
		}
	}
	return false
}

// cancelQueued moves a task that never started straight to CANCELLED.
func (s *Scheduler) cancelQueued(ctx context.Context, e *entry, reason string) {
	out := Outcome{TaskID: e.machine.ID(), Error: ErrCancelled.Error() + ": " + reason}
	if err := e.machine.Transition(ctx, StateCancelled, reason); err != nil {
		s.cfg.Logger.Error("cancel queued task", "task_id", e.machine.ID(), "error", err)
	}
	out.State = e.machine.State()
	s.mu.Lock()
	s.finishLocked(e, out)
	s.mu.Unlock()
}

// Cancel requests cancellation. A queued task is cancelled at once; a running
// one at its next checkpoint. It reports false for tasks already finished.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if ok && s.dequeueLocked(e) {
		s.mu.Unlock()
		e.machine.cancelRequested.Store(true)
		s.cancelQueued(ctx, e, "cancelled before start")
		return true, nil
	}
	s.mu.Unlock()

	if ok {
		return e.machine.RequestCancel(ctx)
	}
	if _, err := s.cfg.Store.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	return s.cfg.Store.RequestTaskCancel(ctx, taskID, TerminalStates())
}

// Get returns the status of a task, live or historical.
func (s *Scheduler) Get(ctx context.Context, taskID string) (Status, error) {
	rec, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TaskID:          rec.TaskID,
		SessionID:       rec.SessionID,
		State:           State(rec.State),
		Description:     rec.Description,
		Since:           rec.UpdatedAt,
		CancelRequested: rec.CancelRequested,
		Error:           rec.Error,
	}
	s.mu.Lock()
	if e, ok := s.tasks[taskID]; ok {
		st.Queued = e.queued
		st.CancelRequested = st.CancelRequested || e.machine.CancelRequested()
		select {
		case <-e.done:
			st.Response = e.outcome.Response
		default:
		}
	}
	s.mu.Unlock()
	return st, nil
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, taskID string) (Outcome, error) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	s.mu.Unlock()
	if ok {
		select {
		case <-e.done:
			return e.outcome, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	rec, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if !State(rec.State).Terminal() {
		return Outcome{}, fmt.Errorf("task %s is %s but not owned by this process", taskID, rec.State)
	}
	return Outcome{TaskID: rec.TaskID, State: State(rec.State), Error: rec.Error}, nil
}

// Running reports the number of tasks executing right now.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		n += sess.running
	}
	return n
}

// Drain stops accepting work, cancels queued tasks and waits for running ones.
// When ctx expires first, running tasks are cancelled and observed at their
// next checkpoint.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	var queued []*entry
	for _, sess := range s.sessions {
		queued = append(queued, sess.queue...)
		sess.queue = nil
	}
	for _, e := range queued {
		e.queued = false
	}
	s.mu.Unlock()

	for _, e := range queued {
		s.cancelQueued(context.WithoutCancel(ctx), e, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Resubmit runs a parked request as a new single-action task. It implements
// dlq.Resubmitter; the request nonce is carried so the new dispatch uses the
// idempotency key recorded on the DLQ entry.
func (s *Scheduler) Resubmit(ctx context.Context, req action.Request) (string, error) {
	return s.Submit(ctx, reasoning.Input{
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		Text:      "retry " + req.Qualified(),
		Actions: []reasoning.ProposedAction{{
			Tool:      req.ToolName,
			Operation: req.Operation,
			Params:    req.Parameters,
			RiskHint:  req.RiskHint,
			Nonce:     req.Nonce,
		}},
	})
}

// Recover settles tasks left non-terminal by a previous process. Nothing is
// re-run: IDLE tasks are cancelled and everything else fails as interrupted.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	recs, err := s.cfg.Store.ListTasksInStates(ctx, ActiveStates())
	if err != nil {
		return 0, fmt.Errorf("list interrupted tasks: %w", err)
	}
	n := 0
	for _, rec := range recs {
		s.mu.Lock()
		_, live := s.tasks[rec.TaskID]
		s.mu.Unlock()
		if live {
			continue
		}
		m := restoreMachine(s.deps(), rec)
		to := StateFailed
		if m.State() == StateIdle {
			to = StateCancelled
		}
		if err := m.Transition(ctx, to, "interrupted"); err != nil {
			s.cfg.Logger.Error("recover task", "task_id", rec.TaskID, "state", rec.State, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.cfg.Logger.Warn("recovered interrupted tasks", "count", n)
	}
	return n, nil
}
