package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names and attribute keys used across the dispatch path.
const (
	SpanClassify = "dispatch.classify"
	SpanPlan     = "dispatch.plan"
	SpanExecute  = "dispatch.execute"
	SpanSpawn    = "session.spawn"

	AttrSessionKey = "session.key"
	AttrRequestID  = "request.id"
	AttrMode       = "request.mode"
	AttrPID        = "worker.pid"
)

// StartRequest opens a span for one dispatched request with the
// standard attributes attached.
func StartRequest(ctx context.Context, tracer trace.Tracer, name, sessionKey, requestID, mode string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSessionKey, sessionKey),
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrMode, mode),
		),
	)
}

// StartSpawn opens a span covering one worker spawn attempt for a
// session key.
func StartSpawn(ctx context.Context, tracer trace.Tracer, sessionKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanSpawn,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSessionKey, sessionKey),
		),
	)
}

// RecordPID attaches the spawned worker's process id to span.
func RecordPID(span trace.Span, pid int) {
	span.SetAttributes(attribute.Int(AttrPID, pid))
}

// EndRequest records the outcome on span and ends it.
func EndRequest(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
