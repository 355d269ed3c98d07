package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the governance instruments. A nil *Metrics records nothing.
type Metrics struct {
	PolicyDecisions    metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	Dispatches         metric.Int64Counter
	DispatchDuration   metric.Float64Histogram
	DLQParks           metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	ActiveTasks        metric.Int64UpDownCounter
	RequestDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PolicyDecisions, err = meter.Int64Counter("warden.policy.decisions",
		metric.WithDescription("Policy gate decisions by verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("warden.ratelimit.rejects",
		metric.WithDescription("Action requests denied by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("warden.outbox.dispatches",
		metric.WithDescription("Outbox dispatches by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("warden.outbox.duration",
		metric.WithDescription("Side-effect handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DLQParks, err = meter.Int64Counter("warden.dlq.parks",
		metric.WithDescription("Requests parked in the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("warden.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("warden.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("warden.task.active",
		metric.WithDescription("Tasks currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("warden.request.duration",
		metric.WithDescription("Ops API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Decision(ctx context.Context, verdict, risk string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(verdict), AttrRisk.String(risk)))
}

func (m *Metrics) RateLimited(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
}

func (m *Metrics) Dispatch(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.Dispatches.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.DispatchDuration.Record(ctx, seconds, attrs)
	}
}

func (m *Metrics) Parked(ctx context.Context, permanent bool) {
	if m == nil {
		return
	}
	m.DLQParks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("permanent", permanent)))
}

func (m *Metrics) BreakerTransition(ctx context.Context, name, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(AttrBreaker.String(name), AttrState.String(to)))
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context, state string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, -1)
	m.TaskDuration.Record(ctx, seconds, metric.WithAttributes(AttrState.String(state)))
}

func (m *Metrics) Request(ctx context.Context, route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("route", route)))
}
