package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/outbound"
)

// tracerName is the instrumentation scope name for courier tracing.
const tracerName = "github.com/xraph/courier"

// Tracing returns middleware that wraps each delivery attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: courier.message.id, courier.destination,
// courier.kind, courier.attempt. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *outbound.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "courier.delivery.attempt",
			trace.WithAttributes(
				attribute.String("courier.message.id", j.ID.String()),
				attribute.String("courier.destination", j.Destination),
				attribute.String("courier.kind", string(j.Payload.Kind)),
				attribute.Int("courier.attempt", j.AttemptCount+1),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
