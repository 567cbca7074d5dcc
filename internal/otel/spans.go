package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by every span the runtime opens. These mirror the
// id fields carried on events so traces and the event log line up.
var (
	AttrTraceID  = attribute.Key("substrate.trace.id")
	AttrThreadID = attribute.Key("substrate.thread.id")
	AttrActorID  = attribute.Key("substrate.actor.id")
	AttrToolName = attribute.Key("substrate.tool.name")
	AttrLane     = attribute.Key("substrate.model.lane")
)

// StartSpan opens an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
