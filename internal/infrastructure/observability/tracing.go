package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/memebattle/meme-generator"

// GetTracer returns the tracer for the meme generator.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartProcessSpan starts the per-request span.
func StartProcessSpan(ctx context.Context, requestID string, fastMode, smallImage bool) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "meme.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("meme.request_id", requestID),
			attribute.Bool("meme.fast_mode", fastMode),
			attribute.Bool("meme.small_image", smallImage),
		),
	)
}

// StartGenerationSpan starts a span around the inference backend call.
func StartGenerationSpan(ctx context.Context, tier string, width, height int) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "meme.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("meme.model_tier", tier),
			attribute.Int("meme.width", width),
			attribute.Int("meme.height", height),
		),
	)
}

// SetOutcome tags a span with the processing outcome.
func SetOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("meme.outcome", outcome))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
