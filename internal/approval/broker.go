// Package approval holds pending operator approvals for irreversible actions.
// Every wait is bounded; an unanswered request times out and is treated as a
// denial by the caller.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/notify"
)

type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeApproved Outcome = "APPROVED"
	OutcomeDenied   Outcome = "DENIED"
	OutcomeTimeout  Outcome = "TIMEOUT"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Ticket describes the action awaiting approval.
type Ticket struct {
	TaskID         string `json:"task_id"`
	ToolName       string `json:"tool"`
	Operation      string `json:"operation"`
	Risk           string `json:"risk"`
	Summary        string `json:"summary,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Record is a pending approval as shown to operators.
type Record struct {
	ID        string    `json:"id"`
	Ticket    Ticket    `json:"ticket"`
	Status    Outcome   `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

type pending struct {
	Record
	done chan struct{}
}

type Config struct {
	// Timeout bounds every wait; default 60s.
	Timeout  time.Duration
	Notifier notify.Notifier
	Audit    *audit.Log
	Bus      *bus.Bus
	Logger   *slog.Logger
}

type Broker struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*pending
}

func NewBroker(cfg Config) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{cfg: cfg, items: map[string]*pending{}}
}

// SetTimeout changes the wait used by subsequent requests.
func (b *Broker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.cfg.Timeout = d
	b.mu.Unlock()
}

// Request registers t, alerts the operator and blocks until a decision, the
// timeout, or ctx is done. A cancelled ctx returns ctx.Err() with OutcomeDenied.
func (b *Broker) Request(ctx context.Context, t Ticket) (Outcome, error) {
	now := time.Now().UTC()
	b.mu.Lock()
	timeout := b.cfg.Timeout
	p := &pending{
		Record: Record{
			ID:        uuid.NewString(),
			Ticket:    t,
			Status:    OutcomePending,
			CreatedAt: now,
			Deadline:  now.Add(timeout),
		},
		done: make(chan struct{}),
	}
	b.items[p.ID] = p
	b.mu.Unlock()

	b.cfg.Audit.Record(ctx, audit.Event{
		Severity: audit.SeverityWarning,
		Category: audit.CategoryApproval,
		TaskID:   t.TaskID,
		Action:   "approval.request",
		Outcome:  string(OutcomePending),
		Payload: map[string]any{
			"approval_id":     p.ID,
			"tool":            t.ToolName,
			"operation":       t.Operation,
			"risk":            t.Risk,
			"idempotency_key": t.IdempotencyKey,
			"timeout_seconds": int(timeout / time.Second),
		},
	})
	b.cfg.Bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
		ApprovalID: p.ID,
		TaskID:     t.TaskID,
		Action:     t.ToolName + "." + t.Operation,
		Outcome:    string(OutcomePending),
	})
	notify.Send(ctx, b.cfg.Notifier, b.cfg.Logger, notify.Message{
		Title:    fmt.Sprintf("approval required: %s.%s", t.ToolName, t.Operation),
		Text:     fmt.Sprintf("%s\napproval id %s, expires in %s", t.Summary, p.ID, timeout),
		Severity: notify.SeverityWarning,
		TaskID:   t.TaskID,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return b.finish(ctx, p.ID, "", ""), nil
	case <-timer.C:
		return b.finish(ctx, p.ID, OutcomeTimeout, "timeout"), nil
	case <-ctx.Done():
		b.finish(ctx, p.ID, OutcomeDenied, "cancelled")
		return OutcomeDenied, ctx.Err()
	}
}

// finish removes the record and returns its final outcome. When the record is
// still pending it is decided as outcome.
func (b *Broker) finish(ctx context.Context, id string, outcome Outcome, actor string) Outcome {
	b.mu.Lock()
	p, ok := b.items[id]
	if !ok {
		b.mu.Unlock()
		return OutcomeDenied
	}
	delete(b.items, id)
	decidedHere := p.Status == OutcomePending
	if decidedHere {
		p.Status = outcome
	}
	final := p.Status
	b.mu.Unlock()

	if decidedHere {
		b.decided(ctx, p.Record, actor)
	}
	return final
}

// Respond records an operator decision.
func (b *Broker) Respond(ctx context.Context, id string, approve bool, actor string) (Outcome, error) {
	b.mu.Lock()
	p, ok := b.items[id]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if p.Status != OutcomePending {
		st := p.Status
		b.mu.Unlock()
		return st, fmt.Errorf("%s: %w", id, ErrAlreadyDecided)
	}
	p.Status = OutcomeDenied
	if approve {
		p.Status = OutcomeApproved
	}
	rec := p.Record
	close(p.done)
	b.mu.Unlock()

	b.decided(ctx, rec, actor)
	return rec.Status, nil
}

func (b *Broker) decided(ctx context.Context, rec Record, actor string) {
	sev := audit.SeverityInfo
	if rec.Status != OutcomeApproved {
		sev = audit.SeverityWarning
	}
	b.cfg.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Severity: sev,
		Category: audit.CategoryApproval,
		TaskID:   rec.Ticket.TaskID,
		Action:   "approval.decide",
		Outcome:  string(rec.Status),
		Payload: map[string]any{
			"approval_id": rec.ID,
			"tool":        rec.Ticket.ToolName,
			"operation":   rec.Ticket.Operation,
			"actor":       actor,
		},
	})
	b.cfg.Bus.Publish(bus.TopicApprovalDecided, bus.ApprovalEvent{
		ApprovalID: rec.ID,
		TaskID:     rec.Ticket.TaskID,
		Action:     rec.Ticket.ToolName + "." + rec.Ticket.Operation,
		Outcome:    string(rec.Status),
	})
	b.cfg.Logger.Info("approval decided",
		"approval_id", rec.ID,
		"task_id", rec.Ticket.TaskID,
		"outcome", string(rec.Status),
		"actor", actor,
	)
}

// Pending lists undecided approvals, oldest first.
func (b *Broker) Pending() []Record {
	b.mu.Lock()
	out := make([]Record, 0, len(b.items))
	for _, p := range b.items {
		if p.Status == OutcomePending {
			out = append(out, p.Record)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
