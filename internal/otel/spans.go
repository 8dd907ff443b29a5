package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gofleet spans and metrics.
var (
	AttrAgent        = attribute.Key("gofleet.agent")
	AttrTaskID       = attribute.Key("gofleet.task.id")
	AttrTaskStatus   = attribute.Key("gofleet.task.status")
	AttrTaskPriority = attribute.Key("gofleet.task.priority")
	AttrDecision     = attribute.Key("gofleet.consensus.decision")
	AttrConfidence   = attribute.Key("gofleet.consensus.confidence")
	AttrVote         = attribute.Key("gofleet.consensus.vote")
	AttrConnID       = attribute.Key("gofleet.connection.id")
	AttrTopic        = attribute.Key("gofleet.topic")
	AttrReason       = attribute.Key("gofleet.reason")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound agent call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
