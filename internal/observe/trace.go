package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/parley"

// StartTurn starts the span covering one assistant response. gen is the
// engine generation that owns the response.
func StartTurn(ctx context.Context, gen uint64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "parley.turn",
		trace.WithAttributes(attribute.Int64("parley.generation", int64(gen))),
	)
}

// StartProviderCall starts a child span for one request to a backend. kind is
// "llm", "stt" or "tts".
func StartProviderCall(ctx context.Context, kind, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "parley."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// EndSpan ends span, marking it failed when err is non-nil. Cancellation is
// not a failure.
func EndSpan(span trace.Span, err error) {
	if err != nil && !isCanceled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Logger returns the default logger with the trace_id and span_id of the
// span in ctx, if there is one.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
