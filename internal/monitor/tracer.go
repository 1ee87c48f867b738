package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sandbox-governor"

// Tracer wraps OpenTelemetry tracing for job execution.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named "governor.<name>".
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("governor.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

var (
	AttrJobID      = attribute.Key("governor.job.id")
	AttrBatchID    = attribute.Key("governor.batch.id")
	AttrCallerID   = attribute.Key("governor.caller.id")
	AttrTier       = attribute.Key("governor.tier")
	AttrBackend    = attribute.Key("governor.backend")
	AttrLanguage   = attribute.Key("governor.language")
	AttrCodeHash   = attribute.Key("governor.code_hash")
	AttrExitCode   = attribute.Key("governor.exit_code")
	AttrErrorKind  = attribute.Key("governor.error_kind")
	AttrDurationMS = attribute.Key("governor.duration_ms")
)
