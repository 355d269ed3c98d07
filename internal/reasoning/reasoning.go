// Package reasoning is the boundary between the governance core and whatever
// decides which actions to take. Nothing that crosses it is trusted: proposed
// actions are classified and authorized by the policy gate.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/warden/internal/action"
	"github.com/basket/warden/internal/breaker"
)

// ProposedAction is one tool call suggested by a decider.
type ProposedAction struct {
	Tool      string           `json:"tool"`
	Operation string           `json:"operation"`
	Params    map[string]any   `json:"params,omitempty"`
	RiskHint  action.RiskLevel `json:"risk_hint,omitempty"`
	// Nonce distinguishes an operator re-submission from the original.
	Nonce string `json:"nonce,omitempty"`
}

// Input is the incoming unit of work.
type Input struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	// Actions, when set, is an explicit plan supplied by the submitter.
	Actions []ProposedAction `json:"actions,omitempty"`
}

// Intent is the parsed form of an Input.
type Intent struct {
	Goal     string           `json:"goal"`
	Actions  []ProposedAction `json:"actions,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
}

// Observation reports how one proposed action went.
type Observation struct {
	Tool      string            `json:"tool"`
	Operation string            `json:"operation"`
	Outcome   string            `json:"outcome"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Class     action.ErrorClass `json:"class,omitempty"`
}

// Observation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
	OutcomeAmbiguous = "ambiguous"
)

// Plan is a decider's answer for one thinking step. An empty Actions list
// means the task is ready to respond.
type Plan struct {
	Actions  []ProposedAction `json:"actions,omitempty"`
	Response string           `json:"response,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
}

// Decider turns input into intents and intents plus observations into plans.
type Decider interface {
	ParseIntent(ctx context.Context, in Input) (Intent, error)
	Decide(ctx context.Context, intent Intent, obs []Observation) (Plan, error)
}

// Guarded calls Primary through a circuit breaker and serves Fallback while
// the circuit is open or when Primary fails.
type Guarded struct {
	Primary  Decider
	Fallback Decider
	Breaker  *breaker.Breaker
}

func (g Guarded) ParseIntent(ctx context.Context, in Input) (Intent, error) {
	return breaker.Do(ctx, g.Breaker,
		func(ctx context.Context) (Intent, error) { return g.Primary.ParseIntent(ctx, in) },
		g.fallbackIntent(in),
	)
}

func (g Guarded) Decide(ctx context.Context, intent Intent, obs []Observation) (Plan, error) {
	return breaker.Do(ctx, g.Breaker,
		func(ctx context.Context) (Plan, error) { return g.Primary.Decide(ctx, intent, obs) },
		g.fallbackPlan(intent, obs),
	)
}

func (g Guarded) fallbackIntent(in Input) func(context.Context) (Intent, error) {
	if g.Fallback == nil {
		return nil
	}
	return func(ctx context.Context) (Intent, error) {
		intent, err := g.Fallback.ParseIntent(ctx, in)
		intent.Degraded = true
		return intent, err
	}
}

func (g Guarded) fallbackPlan(intent Intent, obs []Observation) func(context.Context) (Plan, error) {
	if g.Fallback == nil {
		return nil
	}
	return func(ctx context.Context) (Plan, error) {
		plan, err := g.Fallback.Decide(ctx, intent, obs)
		plan.Degraded = true
		return plan, err
	}
}

// RuleDecider is the degraded local fallback. It is deterministic and never
// proposes an action.
type RuleDecider struct{}

func (RuleDecider) ParseIntent(_ context.Context, in Input) (Intent, error) {
	return Intent{Goal: strings.TrimSpace(in.Text)}, nil
}

func (RuleDecider) Decide(_ context.Context, intent Intent, obs []Observation) (Plan, error) {
	msg := "The reasoning service is unavailable, so no actions were taken."
	if len(obs) > 0 {
		msg = "The reasoning service became unavailable. " + Summarize(obs)
	}
	if intent.Goal != "" {
		msg += fmt.Sprintf(" Request recorded: %q.", shorten(intent.Goal, 120))
	}
	return Plan{Response: msg}, nil
}

// PlanDecider executes the explicit action list carried by the input in a
// single step and then responds with a summary.
type PlanDecider struct{}

func (PlanDecider) ParseIntent(_ context.Context, in Input) (Intent, error) {
	return Intent{Goal: strings.TrimSpace(in.Text), Actions: in.Actions}, nil
}

func (PlanDecider) Decide(_ context.Context, intent Intent, obs []Observation) (Plan, error) {
	if len(obs) == 0 && len(intent.Actions) > 0 {
		return Plan{Actions: intent.Actions}, nil
	}
	if len(obs) == 0 {
		return Plan{Response: "Nothing to do."}, nil
	}
	return Plan{Response: Summarize(obs)}, nil
}

// Summarize renders observations as one line per action.
func Summarize(obs []Observation) string {
	var b strings.Builder
	for i, o := range obs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s.%s: %s", o.Tool, o.Operation, o.Outcome)
		switch {
		case o.Error != "":
			fmt.Fprintf(&b, " (%s)", shorten(o.Error, 200))
		case o.Output != "":
			fmt.Fprintf(&b, " %s", shorten(o.Output, 200))
		}
	}
	return b.String()
}

func shorten(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
