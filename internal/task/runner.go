package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/dlq"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/outbox"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/reasoning"
	"github.com/basket/warden/internal/shared"
)

const (
	DefaultMaxRetries = 3
	DefaultMaxSteps   = 8
)

// Invoker executes an authorized request. *tools.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, req action.Request) (action.Result, error)
}

type RunnerConfig struct {
	Gate    *policy.Gate
	Outbox  *outbox.Outbox
	DLQ     *dlq.Queue
	Invoker Invoker
	Decider reasoning.Decider
	Audit   *audit.Log
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics

	MaxRetries  int
	MaxSteps    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Now         func() time.Time
}

// Outcome is the final report of one task run.
type Outcome struct {
	TaskID       string                  `json:"task_id"`
	State        State                   `json:"state"`
	Response     string                  `json:"response,omitempty"`
	Observations []reasoning.Observation `json:"observations,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Degraded     bool                    `json:"degraded,omitempty"`
}

// Runner drives a Machine from IDLE to a terminal state.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Gate == nil || cfg.Outbox == nil || cfg.Invoker == nil {
		return nil, fmt.Errorf("task runner: gate, outbox and invoker are required")
	}
	if cfg.Decider == nil {
		cfg.Decider = reasoning.RuleDecider{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes in on m. It always returns with m in a terminal state unless
// the store itself refuses the final transition.
func (r *Runner) Run(ctx context.Context, m *Machine, in reasoning.Input) Outcome {
	ctx = shared.TaskContext(ctx, m.ID(), m.SessionID())
	ctx, span := otelPkg.StartSpan(ctx, otelPkg.Tracer(), "task.run",
		otelPkg.AttrTaskID.String(m.ID()),
		otelPkg.AttrSessionID.String(m.SessionID()),
	)
	defer span.End()

	start := r.cfg.Now()
	r.cfg.Metrics.TaskStarted(ctx)

	out := Outcome{TaskID: m.ID()}
	if err := r.run(ctx, m, in, &out); err != nil {
		out.Error = err.Error()
		if !errors.Is(err, ErrCancelled) && !m.State().Terminal() {
			if ferr := m.Fail(ctx, shared.Truncate(err.Error(), 500)); ferr != nil {
				r.cfg.Logger.Error("task fail transition", "task_id", m.ID(), "error", ferr)
			}
		}
	}
	out.State = m.State()
	span.SetAttributes(otelPkg.AttrState.String(string(out.State)))
	r.cfg.Metrics.TaskFinished(ctx, string(out.State), r.cfg.Now().Sub(start).Seconds())
	r.cfg.Logger.Info("task finished", "task_id", m.ID(), "state", string(out.State), "degraded", out.Degraded)
	return out
}

// advance is a checkpoint followed by a transition.
func advance(ctx context.Context, m *Machine, to State, reason string) error {
	if err := m.Checkpoint(ctx); err != nil {
		return err
	}
	return m.Transition(ctx, to, reason)
}

func (r *Runner) run(ctx context.Context, m *Machine, in reasoning.Input, out *Outcome) error {
	decider := r.cfg.Decider
	if len(in.Actions) > 0 {
		decider = reasoning.PlanDecider{}
	}

	if err := advance(ctx, m, StateParsingIntent, "started"); err != nil {
		return err
	}
	intent, err := decider.ParseIntent(ctx, in)
	if err != nil {
		return fmt.Errorf("%w: parse intent: %v", action.ErrUpstreamUnavailable, err)
	}
	out.Degraded = intent.Degraded

	reason := "intent parsed"
	var response string
	for round := 0; ; round++ {
		if err := advance(ctx, m, StateThinking, reason); err != nil {
			return err
		}
		plan, err := decider.Decide(ctx, intent, out.Observations)
		if err != nil {
			return fmt.Errorf("%w: decide: %v", action.ErrUpstreamUnavailable, err)
		}
		out.Degraded = out.Degraded || plan.Degraded
		if len(plan.Actions) == 0 {
			response = plan.Response
			break
		}
		if round >= r.cfg.MaxSteps {
			response = fmt.Sprintf("Stopped after %d steps.\n%s", round, reasoning.Summarize(out.Observations))
			break
		}

		if err := advance(ctx, m, StateExecuting, fmt.Sprintf("%d action(s)", len(plan.Actions))); err != nil {
			return err
		}
		for _, pa := range plan.Actions {
			if err := m.Checkpoint(ctx); err != nil {
				return err
			}
			obs, err := r.execute(ctx, m, pa)
			out.Observations = append(out.Observations, obs)
			if err != nil {
				return err
			}
		}
		if err := advance(ctx, m, StateReflecting, "actions observed"); err != nil {
			return err
		}
		reason = "next step"
	}

	if err := advance(ctx, m, StateResponding, "plan complete"); err != nil {
		return err
	}
	out.Response = response
	return advance(ctx, m, StateCompleted, "responded")
}

// execute authorizes and runs one proposed action. A returned error ends the
// task; denials and read failures are reported through the observation only.
func (r *Runner) execute(ctx context.Context, m *Machine, pa reasoning.ProposedAction) (reasoning.Observation, error) {
	req := action.NewRequest(m.ID(), m.SessionID(), pa.Tool, pa.Operation, pa.Params)
	req.RiskHint = pa.RiskHint
	req.Nonce = pa.Nonce
	obs := reasoning.Observation{Tool: pa.Tool, Operation: pa.Operation}

	d := r.cfg.Gate.Evaluate(ctx, req)
	if d.Verdict == policy.VerdictRequireApproval {
		if err := m.Transition(ctx, StateAwaitingApproval, d.Reason); err != nil {
			return obs, err
		}
		waitCtx, stop := cancelOnRequest(ctx, m)
		approved, ad := r.cfg.Gate.AwaitApproval(waitCtx, req, d)
		stop()
		if err := m.Checkpoint(ctx); err != nil {
			return obs, err
		}
		if !ad.Allowed() {
			obs.Outcome, obs.Error, obs.Class = reasoning.OutcomeDenied, ad.Reason, ad.Class
			return obs, ad.Err()
		}
		if err := m.Transition(ctx, StateExecuting, "approved"); err != nil {
			return obs, err
		}
		req = approved
		d = r.cfg.Gate.Evaluate(ctx, req)
	}

	switch d.Verdict {
	case policy.VerdictAllow:
	case policy.VerdictDeny:
		obs.Outcome, obs.Error, obs.Class = reasoning.OutcomeDenied, d.Reason, d.Class
		return obs, nil
	default:
		obs.Outcome, obs.Error, obs.Class = reasoning.OutcomeDenied, "approval token rejected", action.ClassPolicyViolation
		return obs, fmt.Errorf("%w: approval token rejected for %s", action.ErrPolicyViolation, req.Qualified())
	}
	return r.dispatch(ctx, m, req, d.Risk, obs)
}

// cancelOnRequest derives a context that is cancelled when m is asked to
// cancel, so an approval wait does not outlive the request.
func cancelOnRequest(ctx context.Context, m *Machine) (context.Context, context.CancelFunc) {
	waitCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.Cancelled():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return waitCtx, cancel
}

func (r *Runner) dispatch(ctx context.Context, m *Machine, req action.Request, risk action.RiskLevel, obs reasoning.Observation) (reasoning.Observation, error) {
	sideEffecting := risk.SideEffecting()
	var failures []persistence.FailureRecord
	permanent := false

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := r.backoff(ctx, m, req.IdempotencyKey(), attempt-1); err != nil {
				return obs, err
			}
		}
		res, err := r.attempt(ctx, req, risk)
		if err == nil {
			obs.Outcome, obs.Output, obs.Error, obs.Class = reasoning.OutcomeOK, res.Output, "", action.ClassNone
			return obs, nil
		}

		class := action.Classify(err)
		obs.Outcome, obs.Error, obs.Class = reasoning.OutcomeFailed, err.Error(), class
		failures = append(failures, persistence.FailureRecord{
			Attempt: attempt,
			Class:   string(class),
			Error:   shared.Truncate(err.Error(), 1000),
			At:      r.cfg.Now().UTC(),
		})
		r.cfg.Logger.Warn("action attempt failed",
			"task_id", req.TaskID, "tool", req.Qualified(), "attempt", attempt, "class", string(class), "error", err)

		if class == action.ClassAmbiguousOutcome {
			obs.Outcome = reasoning.OutcomeAmbiguous
			return obs, err
		}
		if !action.Retryable(err) {
			permanent = true
			break
		}
	}

	if !sideEffecting {
		return obs, nil
	}
	cause := fmt.Errorf("%s failed after %d attempt(s): %s", req.Qualified(), len(failures), obs.Error)
	if permanent {
		cause = fmt.Errorf("%w: %v", action.ErrPermanent, cause)
	} else {
		cause = fmt.Errorf("%w: %v", action.ErrSideEffectFailure, cause)
	}
	if r.cfg.DLQ != nil {
		entry, err := r.cfg.DLQ.Park(ctx, req, failures, permanent)
		if err != nil {
			r.cfg.Logger.Error("dlq park failed", "task_id", req.TaskID, "tool", req.Qualified(), "error", err)
			return obs, errors.Join(cause, err)
		}
		return obs, fmt.Errorf("%w (parked as %s)", cause, entry.ID)
	}
	return obs, cause
}

func (r *Runner) attempt(ctx context.Context, req action.Request, risk action.RiskLevel) (action.Result, error) {
	if !risk.SideEffecting() {
		return r.cfg.Invoker.Invoke(ctx, req)
	}
	res, err := r.cfg.Outbox.Dispatch(ctx, req, risk, r.cfg.Invoker.Invoke)
	return res.Result, err
}

// backoff waits before the next attempt. A cancel request cuts the wait
// short and is then observed at the checkpoint.
func (r *Runner) backoff(ctx context.Context, m *Machine, key string, attempt int) error {
	t := time.NewTimer(retryDelay(key, attempt, r.cfg.BackoffBase, r.cfg.BackoffMax))
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.Cancelled():
	case <-ctx.Done():
	}
	return m.Checkpoint(ctx)
}
