// Package dlq parks actions that exhausted their retries until an operator
// decides to retry or discard them. Nothing here retries on its own.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/notify"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
)

const DefaultMaxRetries = 3

// Decision is the operator's choice for a parked entry.
type Decision string

const (
	DecisionRetry   Decision = "RETRY"
	DecisionDiscard Decision = "DISCARD"
)

// ParseDecision accepts RETRY or DISCARD in any case.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	switch d {
	case DecisionRetry, DecisionDiscard:
		return d, nil
	}
	return "", fmt.Errorf("unknown dlq decision %q (want RETRY or DISCARD)", s)
}

var (
	ErrNotFound                  = persistence.ErrNotFound
	ErrAlreadyResolved           = errors.New("dlq entry already resolved")
	ErrTooFewFailures            = errors.New("failure history shorter than max retries")
	ErrSideEffectMayHaveOccurred = errors.New("side effect may have occurred; discard instead of retrying")
	ErrNoResubmitter             = errors.New("dlq: no resubmitter configured")
)

// Resubmitter runs a fresh copy of a parked request through the normal
// dispatch path and returns the id of the task that carries it.
type Resubmitter interface {
	Resubmit(ctx context.Context, req action.Request) (taskID string, err error)
}

type Config struct {
	Store      *persistence.Store
	Notifier   notify.Notifier
	Audit      *audit.Log
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otelPkg.Metrics
	MaxRetries int
}

type Queue struct {
	cfg         Config
	resubmitter Resubmitter
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("dlq: store is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{cfg: cfg}, nil
}

// SetResubmitter wires the retry path. It is set after construction because
// the task scheduler itself depends on the queue.
func (q *Queue) SetResubmitter(r Resubmitter) { q.resubmitter = r }

func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

// Park records req with its failure history. A retryable failure needs at
// least MaxRetries attempts; a permanent one is parked after one. Parking a
// request whose key is already parked returns the existing entry and does
// not alert again.
func (q *Queue) Park(ctx context.Context, req action.Request, failures []persistence.FailureRecord, permanent bool) (persistence.DLQEntry, error) {
	need := q.cfg.MaxRetries
	if permanent {
		need = 1
	}
	if len(failures) < need {
		return persistence.DLQEntry{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewFailures, len(failures), need)
	}

	ctx = context.WithoutCancel(ctx)
	entry, created, err := q.cfg.Store.InsertDLQEntry(ctx, persistence.DLQEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey(),
		TaskID:         req.TaskID,
		Request:        req,
		Failures:       failures,
		Permanent:      permanent,
	})
	if err != nil {
		return persistence.DLQEntry{}, fmt.Errorf("park: %w", err)
	}
	if !created {
		q.cfg.Logger.Info("dlq entry already parked", "entry_id", entry.ID, "key", entry.IdempotencyKey)
		return entry, nil
	}

	last := failures[len(failures)-1]
	q.cfg.Metrics.Parked(ctx, permanent)
	q.cfg.Audit.Record(ctx, audit.Event{
		Severity: audit.SeverityError,
		Category: audit.CategoryDLQ,
		TaskID:   req.TaskID,
		Action:   "dlq.park",
		Outcome:  "parked",
		Payload: map[string]any{
			"entry_id":        entry.ID,
			"tool":            req.ToolName,
			"operation":       req.Operation,
			"idempotency_key": entry.IdempotencyKey,
			"failures":        len(failures),
			"permanent":       permanent,
			"last_class":      last.Class,
			"last_error":      last.Error,
		},
	})
	q.cfg.Bus.Publish(bus.TopicDLQParked, bus.DLQEvent{
		EntryID:        entry.ID,
		TaskID:         entry.TaskID,
		IdempotencyKey: entry.IdempotencyKey,
		Resolution:     string(entry.Resolution),
	})
	q.cfg.Logger.Warn("action parked in dlq",
		"entry_id", entry.ID,
		"task_id", req.TaskID,
		"tool", req.Qualified(),
		"failures", len(failures),
		"permanent", permanent,
	)
	notify.Send(ctx, q.cfg.Notifier, q.cfg.Logger, notify.Message{
		Title:    "Action parked: " + req.Qualified(),
		Text:     fmt.Sprintf("Entry %s after %d failure(s). Last error: %s\nResolve with: warden dlq resolve %s RETRY|DISCARD", entry.ID, len(failures), last.Error, entry.ID),
		Severity: notify.SeverityWarning,
		TaskID:   req.TaskID,
	})
	return entry, nil
}

func (q *Queue) ListPending(ctx context.Context) ([]persistence.DLQEntry, error) {
	return q.cfg.Store.ListDLQEntries(ctx, persistence.ResolutionPending)
}

// List returns entries with resolution, or all entries when it is empty.
func (q *Queue) List(ctx context.Context, resolution persistence.Resolution) ([]persistence.DLQEntry, error) {
	return q.cfg.Store.ListDLQEntries(ctx, resolution)
}

func (q *Queue) Get(ctx context.Context, id string) (*persistence.DLQEntry, error) {
	return q.cfg.Store.GetDLQEntry(ctx, id)
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.cfg.Store.CountDLQEntries(ctx, persistence.ResolutionPending)
}

// ResolveResult reports what Resolve did.
type ResolveResult struct {
	Entry       persistence.DLQEntry `json:"entry"`
	RetryTaskID string               `json:"retry_task_id,omitempty"`
	RetryKey    string               `json:"retry_key,omitempty"`
}

// Resolve applies an operator decision. RETRY is refused when the ledger
// shows the original side effect was sent or is still in doubt; otherwise a
// copy with a fresh idempotency key is resubmitted as a new task.
func (q *Queue) Resolve(ctx context.Context, id string, decision Decision, actor string) (ResolveResult, error) {
	if actor == "" {
		actor = "operator"
	}
	entry, err := q.cfg.Store.GetDLQEntry(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	if entry.Resolution != persistence.ResolutionPending {
		return ResolveResult{Entry: *entry}, ErrAlreadyResolved
	}

	switch decision {
	case DecisionDiscard:
		if err := q.cfg.Store.ResolveDLQEntry(ctx, id, persistence.ResolutionDiscarded, actor, ""); err != nil {
			return ResolveResult{}, mapResolveErr(err)
		}
		res := ResolveResult{}
		if e, err := q.cfg.Store.GetDLQEntry(ctx, id); err == nil {
			res.Entry = *e
		}
		q.resolved(ctx, res, actor)
		return res, nil

	case DecisionRetry:
		if err := q.checkNotSent(ctx, entry.IdempotencyKey); err != nil {
			return ResolveResult{Entry: *entry}, err
		}
		if q.resubmitter == nil {
			return ResolveResult{Entry: *entry}, ErrNoResubmitter
		}
		fresh := entry.Request.Rebind(uuid.NewString(), entry.Request.SessionID)
		retryKey := fresh.IdempotencyKey()
		// Claim the resolution first so two operators cannot both retry.
		if err := q.cfg.Store.ResolveDLQEntry(ctx, id, persistence.ResolutionRetried, actor, retryKey); err != nil {
			return ResolveResult{}, mapResolveErr(err)
		}
		taskID, err := q.resubmitter.Resubmit(ctx, fresh)
		if err != nil {
			if rerr := q.cfg.Store.ReopenDLQEntry(context.WithoutCancel(ctx), id); rerr != nil {
				q.cfg.Logger.Error("dlq reopen failed", "entry_id", id, "error", rerr)
			}
			return ResolveResult{Entry: *entry}, fmt.Errorf("resubmit: %w", err)
		}
		res := ResolveResult{RetryTaskID: taskID, RetryKey: retryKey}
		if e, err := q.cfg.Store.GetDLQEntry(ctx, id); err == nil {
			res.Entry = *e
		}
		q.resolved(ctx, res, actor)
		return res, nil
	}
	return ResolveResult{}, fmt.Errorf("unknown dlq decision %q", decision)
}

// checkNotSent allows a retry only when no ledger record exists for key or
// the record is FAILED.
func (q *Queue) checkNotSent(ctx context.Context, key string) error {
	rec, err := q.cfg.Store.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if rec.Status == persistence.LedgerFailed {
		return nil
	}
	return fmt.Errorf("%w (ledger status %s)", ErrSideEffectMayHaveOccurred, rec.Status)
}

func mapResolveErr(err error) error {
	if errors.Is(err, persistence.ErrConflict) {
		return ErrAlreadyResolved
	}
	return err
}

func (q *Queue) resolved(ctx context.Context, res ResolveResult, actor string) {
	e := res.Entry
	q.cfg.Audit.Record(ctx, audit.Event{
		Severity: audit.SeverityWarning,
		Category: audit.CategoryDLQ,
		TaskID:   e.TaskID,
		Action:   "dlq.resolve",
		Outcome:  strings.ToLower(string(e.Resolution)),
		Payload: map[string]any{
			"entry_id":      e.ID,
			"actor":         actor,
			"retry_key":     res.RetryKey,
			"retry_task_id": res.RetryTaskID,
		},
	})
	q.cfg.Bus.Publish(bus.TopicDLQResolved, bus.DLQEvent{
		EntryID:        e.ID,
		TaskID:         e.TaskID,
		IdempotencyKey: e.IdempotencyKey,
		Resolution:     string(e.Resolution),
	})
	q.cfg.Logger.Info("dlq entry resolved", "entry_id", e.ID, "resolution", string(e.Resolution), "actor", actor)
}
