package tracing

// Thin wrapper over the OpenTelemetry trace API. Request handlers open a span
// per operation; ExtractIDs feeds trace correlation into events and logs.

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans for named operations.
type Tracer struct {
	tr trace.Tracer
	tp *sdktrace.TracerProvider
}

// New returns a tracer backed by an in-process SDK provider that samples
// traces at ratio (a ratio outside (0, 1] samples every trace), or a noop
// tracer when disabled.
func New(enabled bool, ratio float64) *Tracer {
	if !enabled {
		return &Tracer{tr: noop.NewTracerProvider().Tracer("servo")}
	}
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	return &Tracer{tr: tp.Tracer("servo"), tp: tp}
}

// Start opens a span; callers must End it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes the underlying provider, if any.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

// ExtractIDs returns the hex trace and span IDs from ctx, empty when absent.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
