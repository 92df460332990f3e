package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/doumen/vana-forja"

// StartSpan opens a span on the global tracer. Spans started under a context
// from [WithDocument] carry the forja.document attribute, so every stage of a
// run can be found by document. End the span when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := DocumentID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("forja.document", id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

type docKey struct{}

// WithDocument tags ctx with the document being forged.
func WithDocument(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, docKey{}, id)
}

// DocumentID returns the identifier set by [WithDocument].
func DocumentID(ctx context.Context) string {
	id, _ := ctx.Value(docKey{}).(string)
	return id
}

// Logger is the default logger with trace_id, span_id and doc attached when
// ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := DocumentID(ctx); id != "" {
		l = l.With(slog.String("doc", id))
	}
	return l
}
