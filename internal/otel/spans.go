package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for fabric spans.
var (
	AttrTopic      = attribute.Key("starbridge.event.topic")
	AttrEventType  = attribute.Key("starbridge.event.type")
	AttrEventID    = attribute.Key("starbridge.event.id")
	AttrJobID      = attribute.Key("starbridge.rail.job_id")
	AttrConduitID  = attribute.Key("starbridge.conduit.id")
	AttrHashAlgo   = attribute.Key("starbridge.hash.algo")
	AttrBatchDate  = attribute.Key("starbridge.ledger.batch_date")
	AttrSnapshotID = attribute.Key("starbridge.watchdog.snapshot_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (webhook, NATS, Redis).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}
