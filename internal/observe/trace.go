package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the murmur tracer.
const tracerName = "github.com/MrWong99/murmur"

// speechIDKey carries the id of the speech request a context belongs to.
type speechIDKey struct{}

// Tracer returns the package-level [trace.Tracer] for murmur. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSpeechSpan starts a span for work on the speech request id. The id is
// stored on the span and in the returned context, where [Logger] picks it up.
func StartSpeechSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	ctx = WithSpeechID(ctx, id)
	return Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("speech.id", id)))
}

// WithSpeechID returns a copy of ctx tagged with the speech request id.
func WithSpeechID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, speechIDKey{}, id)
}

// SpeechID returns the speech request id stored in ctx, or "".
func SpeechID(ctx context.Context) string {
	id, _ := ctx.Value(speechIDKey{}).(string)
	return id
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, and with the speech id when one is set.
// Without either, the default slog logger is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SpeechID(ctx); id != "" {
		l = l.With(slog.String("id", id))
	}
	return l
}
