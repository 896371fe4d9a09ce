package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bug-ghost-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox system.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil
// *Tracer returns ctx unchanged with a no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys for sandbox tracing.
var (
	AttrRunID      = attribute.Key("sandbox.run.id")
	AttrLanguage   = attribute.Key("sandbox.language")
	AttrImage      = attribute.Key("sandbox.image")
	AttrCodeHash   = attribute.Key("sandbox.code_hash")
	AttrExitCode   = attribute.Key("sandbox.exit_code")
	AttrStatus     = attribute.Key("sandbox.status")
	AttrTimedOut   = attribute.Key("sandbox.timed_out")
	AttrTruncated  = attribute.Key("sandbox.truncated")
	AttrDurationMS = attribute.Key("sandbox.duration_ms")
	AttrTarget     = attribute.Key("sandbox.image.target")
)
