package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for warden spans.
var (
	AttrTaskID         = attribute.Key("warden.task.id")
	AttrSessionID      = attribute.Key("warden.session.id")
	AttrToolName       = attribute.Key("warden.tool.name")
	AttrOperation      = attribute.Key("warden.tool.operation")
	AttrRisk           = attribute.Key("warden.risk")
	AttrVerdict        = attribute.Key("warden.policy.verdict")
	AttrIdempotencyKey = attribute.Key("warden.outbox.key")
	AttrOutcome        = attribute.Key("warden.outcome")
	AttrBreaker        = attribute.Key("warden.breaker")
	AttrState          = attribute.Key("warden.state")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound ops API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (tool handler, reasoning service).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
