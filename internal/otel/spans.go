package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Warden spans.
var (
	AttrWorkspaceID    = attribute.Key("warden.workspace.id")
	AttrThreadID       = attribute.Key("warden.thread.id")
	AttrJobID          = attribute.Key("warden.job.id")
	AttrDedupeKey      = attribute.Key("warden.dispatch.dedupe_key")
	AttrEventKind      = attribute.Key("warden.event.kind")
	AttrSignalKind     = attribute.Key("warden.signal.kind")
	AttrModel          = attribute.Key("warden.dispatch.model")
	AttrAccessMode     = attribute.Key("warden.dispatch.access_mode")
	AttrDispatchStatus = attribute.Key("warden.dispatch.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (chat command, event push).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (workspace backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
