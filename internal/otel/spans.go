package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrProjectID  = attribute.Key("orchestrator.project.id")
	AttrTaskID     = attribute.Key("orchestrator.task.id")
	AttrAgentID    = attribute.Key("orchestrator.agent.id")
	AttrAgentState = attribute.Key("orchestrator.agent.state")
	AttrChangeType = attribute.Key("orchestrator.change.type")
	AttrRollbackVia = attribute.Key("orchestrator.rollback.via")
	AttrSnapshotID = attribute.Key("orchestrator.snapshot.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (gate service polls).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
