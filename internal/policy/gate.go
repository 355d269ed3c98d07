package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/approval"
	"github.com/basket/warden/internal/audit"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/shared"
)

type Verdict string

const (
	VerdictAllow           Verdict = "ALLOW"
	VerdictDeny            Verdict = "DENY"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
)

// Decision is the gate's answer for one request.
type Decision struct {
	Verdict       Verdict           `json:"verdict"`
	Reason        string            `json:"reason"`
	Class         action.ErrorClass `json:"class,omitempty"`
	Risk          action.RiskLevel  `json:"risk"`
	RiskSource    string            `json:"risk_source"`
	PolicyVersion string            `json:"policy_version"`
}

func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Err returns the taxonomy error for a DENY decision and nil otherwise.
func (d Decision) Err() error {
	if d.Verdict != VerdictDeny {
		return nil
	}
	sentinel := action.ErrPolicyViolation
	switch d.Class {
	case action.ClassRateLimitExceeded:
		sentinel = action.ErrRateLimitExceeded
	case action.ClassApprovalTimeout:
		sentinel = action.ErrApprovalTimeout
	}
	return fmt.Errorf("%w: %s", sentinel, d.Reason)
}

// Approver solicits a human decision. *approval.Broker implements it.
type Approver interface {
	Request(ctx context.Context, t approval.Ticket) (approval.Outcome, error)
}

type GateConfig struct {
	Risk     *RiskTable
	Limiter  *RateLimiter
	Tokens   *Tokens
	Policy   *LivePolicy
	Approver Approver
	Audit    *audit.Log
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
}

// Gate classifies and authorizes action requests. Classification uses only
// the risk table; the request's own risk hint is recorded, never trusted.
type Gate struct {
	cfg GateConfig
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Policy == nil {
		cfg.Policy = NewLivePolicy(Default())
	}
	if cfg.Risk == nil {
		cfg.Risk = NewRiskTable()
	}
	if cfg.Limiter == nil {
		p := cfg.Policy.Snapshot()
		cfg.Limiter = NewRateLimiter(p.RateLimit.Limit, p.RateWindow(), p.RateLimit.Overrides, nil)
	}
	if cfg.Tokens == nil {
		cfg.Tokens = NewTokens(0, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{cfg: cfg}
}

func (g *Gate) Risk() *RiskTable      { return g.cfg.Risk }
func (g *Gate) Limiter() *RateLimiter { return g.cfg.Limiter }
func (g *Gate) Policy() *LivePolicy   { return g.cfg.Policy }

// ApplyPolicy installs p and reconfigures the rate limiter.
func (g *Gate) ApplyPolicy(ctx context.Context, p Policy) {
	g.cfg.Policy.Reload(p)
	g.cfg.Limiter.Configure(p.RateLimit.Limit, p.RateWindow(), p.RateLimit.Overrides)
	g.cfg.Audit.Record(ctx, audit.Event{
		Category: audit.CategoryPolicy,
		Action:   "policy.reload",
		Outcome:  "applied",
		Payload: map[string]any{
			"policy_version":   p.PolicyVersion(),
			"deny_tools":       strings.Join(p.DenyTools, ","),
			"rate_limit":       p.RateLimit.Limit,
			"window_seconds":   p.RateLimit.WindowSeconds,
			"approval_timeout": p.ApprovalTimeoutSeconds,
		},
	})
}

// Evaluate decides ALLOW, DENY or REQUIRE_APPROVAL for req. Order: deny list,
// classification, rate limit, risk handling.
func (g *Gate) Evaluate(ctx context.Context, req action.Request) Decision {
	ctx, span := otelPkg.StartSpan(ctx, otelPkg.Tracer(), "policy.evaluate",
		otelPkg.AttrTaskID.String(req.TaskID),
		otelPkg.AttrToolName.String(req.ToolName),
		otelPkg.AttrOperation.String(req.Operation),
	)
	defer span.End()

	risk, source := g.cfg.Risk.Classify(req.ToolName, req.Operation)
	d := Decision{Risk: risk, RiskSource: source, PolicyVersion: g.cfg.Policy.PolicyVersion()}
	key := req.IdempotencyKey()

	if g.cfg.Policy.Denies(req.ToolName, req.Operation) {
		d.Verdict, d.Class = VerdictDeny, action.ClassPolicyViolation
		d.Reason = fmt.Sprintf("%s is denied by policy", req.Qualified())
	} else {
		approved := risk == action.RiskIrreversible && g.cfg.Tokens.Valid(req.ApprovalToken, req.TaskID, key)
		// An approved re-issue was already counted when approval was required.
		if !approved {
			if ok, _, resetAt := g.cfg.Limiter.Allow(req.ToolName, req.ScopeKey()); !ok {
				d.Verdict, d.Class = VerdictDeny, action.ClassRateLimitExceeded
				d.Reason = fmt.Sprintf("rate limit exceeded for %s in %s until %s", req.ToolName, req.ScopeKey(), resetAt.UTC().Format("15:04:05"))
				g.cfg.Metrics.RateLimited(ctx, req.ToolName)
			}
		}
		if d.Verdict == "" {
			switch {
			case risk != action.RiskIrreversible:
				d.Verdict, d.Reason = VerdictAllow, "risk "+strings.ToLower(string(risk))
			case approved && g.cfg.Tokens.Consume(req.ApprovalToken, req.TaskID, key):
				d.Verdict, d.Reason = VerdictAllow, "approved"
			default:
				d.Verdict, d.Reason = VerdictRequireApproval, "irreversible action requires approval"
			}
		}
	}

	span.SetAttributes(otelPkg.AttrRisk.String(string(risk)), otelPkg.AttrVerdict.String(string(d.Verdict)))
	g.cfg.Metrics.Decision(ctx, string(d.Verdict), string(risk))
	g.record(ctx, "policy.evaluate", req, key, d)
	return d
}

// AwaitApproval blocks on the approver for a REQUIRE_APPROVAL decision. On
// approval it returns req carrying a single-use token; evaluating that request
// again yields ALLOW. Timeout fails closed.
func (g *Gate) AwaitApproval(ctx context.Context, req action.Request, d Decision) (action.Request, Decision) {
	if d.Verdict != VerdictRequireApproval {
		return req, d
	}
	key := req.IdempotencyKey()
	out := d

	if g.cfg.Approver == nil {
		out.Verdict, out.Class, out.Reason = VerdictDeny, action.ClassPolicyViolation, "no approver configured"
		g.record(ctx, "policy.approval", req, key, out)
		return req, out
	}

	params, _ := json.Marshal(shared.SafeParams(req.Parameters, 100))
	outcome, err := g.cfg.Approver.Request(ctx, approval.Ticket{
		TaskID:         req.TaskID,
		ToolName:       req.ToolName,
		Operation:      req.Operation,
		Risk:           string(d.Risk),
		Summary:        fmt.Sprintf("%s %s", req.Qualified(), params),
		IdempotencyKey: key,
	})
	switch {
	case err != nil:
		out.Verdict, out.Class, out.Reason = VerdictDeny, action.ClassPolicyViolation, "approval wait aborted: "+err.Error()
	case outcome == approval.OutcomeApproved:
		tok := g.cfg.Tokens.Issue(req.TaskID, key)
		out.Verdict, out.Class, out.Reason = VerdictAllow, action.ClassNone, "approved by operator"
		g.record(ctx, "policy.approval", req, key, out)
		return req.WithApprovalToken(tok), out
	case outcome == approval.OutcomeTimeout:
		out.Verdict, out.Class, out.Reason = VerdictDeny, action.ClassApprovalTimeout, "approval timed out"
	default:
		out.Verdict, out.Class, out.Reason = VerdictDeny, action.ClassPolicyViolation, "denied by operator"
	}
	g.record(ctx, "policy.approval", req, key, out)
	return req, out
}

func (g *Gate) record(ctx context.Context, act string, req action.Request, key string, d Decision) {
	sev := audit.SeverityInfo
	if d.Verdict != VerdictAllow || d.Risk == action.RiskIrreversible {
		sev = audit.SeverityWarning
	}
	payload := map[string]any{
		"tool":            req.ToolName,
		"operation":       req.Operation,
		"risk":            string(d.Risk),
		"risk_source":     d.RiskSource,
		"reason":          d.Reason,
		"policy_version":  d.PolicyVersion,
		"idempotency_key": key,
		"scope":           req.ScopeKey(),
		"params":          req.Parameters,
	}
	if d.Class != action.ClassNone {
		payload["class"] = string(d.Class)
	}
	if req.RiskHint != "" {
		payload["risk_hint"] = string(req.RiskHint)
		payload["hint_mismatch"] = req.RiskHint != d.Risk
	}
	g.cfg.Audit.Record(ctx, audit.Event{
		Severity: sev,
		Category: audit.CategoryPolicy,
		TaskID:   req.TaskID,
		Action:   act,
		Outcome:  strings.ToLower(string(d.Verdict)),
		Payload:  payload,
	})

	attrs := []any{
		"task_id", req.TaskID,
		"tool", req.ToolName,
		"operation", req.Operation,
		"risk", string(d.Risk),
		"verdict", string(d.Verdict),
		"reason", d.Reason,
	}
	switch {
	case d.Verdict == VerdictDeny || d.Risk == action.RiskIrreversible:
		g.cfg.Logger.Warn("policy decision", attrs...)
	case d.Risk == action.RiskWrite:
		g.cfg.Logger.Info("policy decision", attrs...)
	default:
		g.cfg.Logger.Debug("policy decision", attrs...)
	}
}
