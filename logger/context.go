package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	traceIDKey = "trace_id"
	spanIDKey  = "span_id"
)

// TraceContext identifies the span that was active when an entry was produced.
type TraceContext struct {
	TraceID string
	SpanID  string
}

// TraceContextFromContext looks up the active span in ctx. It only reads tracing state;
// ok is false when ctx is nil or carries no valid span.
func TraceContextFromContext(ctx context.Context) (TraceContext, bool) {
	if ctx == nil {
		return TraceContext{}, false
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}, false
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}, true
}
