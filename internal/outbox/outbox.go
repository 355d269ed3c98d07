// Package outbox dispatches side-effecting actions at most once per
// idempotency key. The sqlite ledger is the only record of whether a side
// effect happened.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/notify"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
)

// ErrNotSideEffecting is returned for READ requests, which bypass the outbox.
var ErrNotSideEffecting = errors.New("outbox: request is not side-effecting")

// AmbiguousError reports a key whose previous dispatch never recorded an
// outcome. It must be confirmed by an operator, never retried automatically.
type AmbiguousError struct {
	Key   string
	Since time.Time
	Cause error
}

func (e *AmbiguousError) Error() string {
	msg := fmt.Sprintf("ambiguous outcome for key %s (pending since %s)", e.Key, e.Since.UTC().Format(time.RFC3339))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AmbiguousError) Unwrap() error { return action.ErrAmbiguousOutcome }

// Result is the outcome of a dispatch.
type Result struct {
	Key    string        `json:"key"`
	Result action.Result `json:"result"`
	// Cached is set when the ledger already held SENT and the handler was
	// not invoked.
	Cached bool `json:"cached"`
	// Shared is set when a concurrent caller with the same key performed
	// the dispatch.
	Shared bool `json:"shared"`
}

type Config struct {
	Store    *persistence.Store
	Audit    *audit.Log
	Bus      *bus.Bus
	Notifier notify.Notifier
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
}

type Outbox struct {
	cfg   Config
	group singleflight.Group
}

func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	return &Outbox{cfg: cfg}, nil
}

type flight struct {
	res Result
	err error
}

// Dispatch runs invoke for req unless the ledger shows the key was already
// dispatched. risk is the gate's classification of req. Handler errors are
// returned unchanged; retrying is the caller's decision.
//
// Once the claim is written the dispatch runs to completion even if ctx is
// cancelled.
func (o *Outbox) Dispatch(ctx context.Context, req action.Request, risk action.RiskLevel, invoke action.Handler) (Result, error) {
	if !risk.SideEffecting() {
		return Result{}, ErrNotSideEffecting
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := req.IdempotencyKey()

	ctx, span := otelPkg.StartSpan(ctx, otelPkg.Tracer(), "outbox.dispatch",
		otelPkg.AttrTaskID.String(req.TaskID),
		otelPkg.AttrToolName.String(req.ToolName),
		otelPkg.AttrOperation.String(req.Operation),
		otelPkg.AttrIdempotencyKey.String(key),
	)
	defer span.End()

	v, _, shared := o.group.Do(key, func() (any, error) {
		res, err := o.dispatch(context.WithoutCancel(ctx), key, req, invoke)
		return flight{res: res, err: err}, nil
	})
	f := v.(flight)
	f.res.Shared = shared
	span.SetAttributes(otelPkg.AttrOutcome.String(outcomeOf(f.res, f.err)))
	return f.res, f.err
}

func outcomeOf(res Result, err error) string {
	var amb *AmbiguousError
	switch {
	case errors.As(err, &amb):
		return "ambiguous"
	case err != nil:
		return "failed"
	case res.Cached:
		return "cached"
	}
	return "sent"
}

func (o *Outbox) dispatch(ctx context.Context, key string, req action.Request, invoke action.Handler) (Result, error) {
	rec, claimed, err := o.cfg.Store.ClaimIdempotencyKey(ctx, key, req)
	if err != nil {
		return Result{}, fmt.Errorf("outbox claim: %w", err)
	}
	if !claimed {
		switch rec.Status {
		case persistence.LedgerSent:
			res := Result{Key: key, Cached: true}
			if rec.Result != "" {
				if err := json.Unmarshal([]byte(rec.Result), &res.Result); err != nil {
					res.Result = action.Result{Output: rec.Result}
				}
			}
			o.cfg.Metrics.Dispatch(ctx, "cached", 0)
			o.record(ctx, audit.SeverityInfo, "outbox.duplicate", "cached", req, key, nil)
			return res, nil
		default:
			amb := &AmbiguousError{Key: key, Since: rec.UpdatedAt}
			o.escalate(ctx, rec, amb)
			return Result{}, amb
		}
	}

	o.cfg.Logger.Info("outbox dispatch",
		"task_id", req.TaskID,
		"tool", req.ToolName,
		"operation", req.Operation,
		"key", key,
		"attempt", rec.Attempts,
	)
	start := time.Now()
	result, invokeErr := safeInvoke(ctx, invoke, req)
	elapsed := time.Since(start).Seconds()

	if invokeErr != nil {
		if err := o.cfg.Store.FailIdempotencyKey(ctx, key, invokeErr.Error()); err != nil {
			amb := &AmbiguousError{Key: key, Since: rec.UpdatedAt, Cause: fmt.Errorf("record failure: %w", err)}
			o.escalate(ctx, rec, amb)
			return Result{}, amb
		}
		o.cfg.Metrics.Dispatch(ctx, "failed", elapsed)
		o.record(ctx, audit.SeverityWarning, "outbox.dispatch", "failed", req, key, map[string]any{
			"attempt": rec.Attempts,
			"class":   string(action.Classify(invokeErr)),
			"error":   invokeErr.Error(),
		})
		return Result{}, invokeErr
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		encoded = []byte(`{"output":""}`)
	}
	if err := o.cfg.Store.CompleteIdempotencyKey(ctx, key, string(encoded)); err != nil {
		amb := &AmbiguousError{Key: key, Since: rec.UpdatedAt, Cause: fmt.Errorf("record success: %w", err)}
		o.escalate(ctx, rec, amb)
		return Result{}, amb
	}
	o.cfg.Metrics.Dispatch(ctx, "sent", elapsed)
	o.record(ctx, audit.SeverityInfo, "outbox.dispatch", "sent", req, key, map[string]any{"attempt": rec.Attempts})
	return Result{Key: key, Result: result}, nil
}

// safeInvoke turns a handler panic into a failure so the claim is settled.
func safeInvoke(ctx context.Context, invoke action.Handler, req action.Request) (res action.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = action.Transient("handler panic: %v", r)
		}
	}()
	return invoke(ctx, req)
}

func (o *Outbox) escalate(ctx context.Context, rec persistence.IdempotencyRecord, amb *AmbiguousError) {
	payload := map[string]any{"pending_since": rec.UpdatedAt.UTC().Format(time.RFC3339), "attempts": rec.Attempts}
	if amb.Cause != nil {
		payload["cause"] = amb.Cause.Error()
	}
	o.cfg.Metrics.Dispatch(ctx, "ambiguous", 0)
	o.record(ctx, audit.SeverityCritical, "outbox.ambiguous", "escalated", rec.Request, rec.Key, payload)
	o.cfg.Bus.Publish(bus.TopicOutboxAmbiguous, bus.OutboxEvent{
		Key:       rec.Key,
		TaskID:    rec.TaskID,
		Operation: rec.ToolName + "." + rec.Operation,
		Status:    string(rec.Status),
	})
	notify.Send(ctx, o.cfg.Notifier, o.cfg.Logger, notify.Message{
		Title:    "Side effect in doubt: " + rec.ToolName + "." + rec.Operation,
		Text:     fmt.Sprintf("Key %s has no recorded outcome. Confirm with: warden outbox confirm %s --sent=true|false", rec.Key, rec.Key),
		Severity: notify.SeverityCritical,
		TaskID:   rec.TaskID,
	})
}

func (o *Outbox) record(ctx context.Context, sev audit.Severity, act, outcome string, req action.Request, key string, extra map[string]any) {
	payload := map[string]any{
		"tool":            req.ToolName,
		"operation":       req.Operation,
		"idempotency_key": key,
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.cfg.Audit.Record(ctx, audit.Event{
		Severity: sev,
		Category: audit.CategoryOutbox,
		TaskID:   req.TaskID,
		Action:   act,
		Outcome:  outcome,
		Payload:  payload,
	})
}

// Recover escalates every PENDING record left by a previous process. Nothing
// is re-dispatched.
func (o *Outbox) Recover(ctx context.Context) ([]persistence.IdempotencyRecord, error) {
	pending, err := o.cfg.Store.ListIdempotencyRecords(ctx, persistence.LedgerPending, 1000)
	if err != nil {
		return nil, fmt.Errorf("outbox recover: %w", err)
	}
	for _, rec := range pending {
		o.escalate(ctx, rec, &AmbiguousError{Key: rec.Key, Since: rec.UpdatedAt, Cause: errors.New("found pending at startup")})
	}
	if len(pending) > 0 {
		o.cfg.Logger.Warn("outbox records in doubt after restart", "count", len(pending))
	}
	return pending, nil
}

// Confirm settles an ambiguous key after out-of-band verification. sent=true
// records the side effect as delivered; sent=false marks it failed so a later
// dispatch or DLQ retry may run it again.
func (o *Outbox) Confirm(ctx context.Context, key string, sent bool, actor string) (*persistence.IdempotencyRecord, error) {
	if actor == "" {
		actor = "operator"
	}
	if err := o.cfg.Store.ResolveAmbiguousKey(ctx, key, sent, actor, ""); err != nil {
		if _, gerr := o.cfg.Store.GetIdempotencyRecord(ctx, key); errors.Is(gerr, persistence.ErrNotFound) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	rec, err := o.cfg.Store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	outcome := "not_sent"
	if sent {
		outcome = "sent"
	}
	o.record(ctx, audit.SeverityWarning, "outbox.confirm", outcome, rec.Request, key, map[string]any{"actor": actor})
	return rec, nil
}

// Lookup returns the ledger record for key.
func (o *Outbox) Lookup(ctx context.Context, key string) (*persistence.IdempotencyRecord, error) {
	return o.cfg.Store.GetIdempotencyRecord(ctx, key)
}

// Pending lists records with no recorded outcome, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]persistence.IdempotencyRecord, error) {
	return o.cfg.Store.ListIdempotencyRecords(ctx, persistence.LedgerPending, 1000)
}
