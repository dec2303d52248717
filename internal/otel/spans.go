package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by relay spans and metrics.
var (
	AttrTenantID  = attribute.Key("fleetrelay.tenant.id")
	AttrConnID    = attribute.Key("fleetrelay.conn.id")
	AttrTaskID    = attribute.Key("fleetrelay.task.id")
	AttrKind      = attribute.Key("fleetrelay.kind")
	AttrOutcome   = attribute.Key("fleetrelay.outcome")
	AttrRole      = attribute.Key("fleetrelay.role")
	AttrSessionID = attribute.Key("fleetrelay.terminal.session")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound client or agent message.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartProducerSpan starts a span for a task handed to agents.
func StartProducerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}
