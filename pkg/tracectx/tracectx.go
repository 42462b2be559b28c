// Package tracectx extracts OpenTelemetry trace/span identifiers from a
// context for LogRecord enrichment. Trace correlation is an optional
// enrichment, not a required field, and has no effect on delivery or
// backpressure. Adapted from a TraceableContext.CorrelationID/SpanID helper,
// trimmed to pure extraction: the adaptive sampler and on-demand controller
// that sit alongside that helper have no corresponding feature here.
package tracectx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// IDs holds the trace and span identifiers found on ctx, or the zero value
// if ctx carries no valid span context.
type IDs struct {
	TraceID string
	SpanID  string
}

// Extract reads the current span from ctx, if any.
func Extract(ctx context.Context) IDs {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return IDs{}
	}
	return IDs{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}
