package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/outbound"
)

const meterName = "github.com/xraph/courier/observability"

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.MessageEnqueued     = (*MetricsExtension)(nil)
	_ ext.MessageDelivered    = (*MetricsExtension)(nil)
	_ ext.MessageThrottled    = (*MetricsExtension)(nil)
	_ ext.DeliveryRetrying    = (*MetricsExtension)(nil)
	_ ext.MessageDeadLettered = (*MetricsExtension)(nil)
	_ ext.MessageCancelled    = (*MetricsExtension)(nil)
)

// MetricsExtension records delivery lifecycle counters via OpenTelemetry.
// Register it as a courier extension to track enqueue rates, delivered
// counts, throttle events, retries, dead-letters, and cancellations per
// destination.
type MetricsExtension struct {
	enqueued     metric.Int64Counter
	delivered    metric.Int64Counter
	throttled    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	cancelled    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Useful for tests that read back recorded metrics.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	enqueued, _ := meter.Int64Counter("courier.messages.enqueued",
		metric.WithDescription("Messages accepted into the delivery queue"))
	delivered, _ := meter.Int64Counter("courier.messages.delivered",
		metric.WithDescription("Messages accepted by the platform"))
	throttled, _ := meter.Int64Counter("courier.messages.throttled",
		metric.WithDescription("Attempts deferred by a rate limit"))
	retried, _ := meter.Int64Counter("courier.messages.retried",
		metric.WithDescription("Failed attempts scheduled for retry"))
	deadLettered, _ := meter.Int64Counter("courier.messages.dead_lettered",
		metric.WithDescription("Messages whose delivery was abandoned"))
	cancelled, _ := meter.Int64Counter("courier.messages.cancelled",
		metric.WithDescription("Messages withdrawn before dispatch"))

	return &MetricsExtension{
		enqueued:     enqueued,
		delivered:    delivered,
		throttled:    throttled,
		retried:      retried,
		deadLettered: deadLettered,
		cancelled:    cancelled,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func msgAttrs(j *outbound.Job) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("destination", j.Destination),
		attribute.String("kind", string(j.Payload.Kind)),
	)
}

// OnMessageEnqueued implements ext.MessageEnqueued.
func (m *MetricsExtension) OnMessageEnqueued(ctx context.Context, j *outbound.Job) error {
	m.enqueued.Add(ctx, 1, msgAttrs(j))
	return nil
}

// OnMessageDelivered implements ext.MessageDelivered.
func (m *MetricsExtension) OnMessageDelivered(ctx context.Context, j *outbound.Job, _ time.Duration) error {
	m.delivered.Add(ctx, 1, msgAttrs(j))
	return nil
}

// OnMessageThrottled implements ext.MessageThrottled.
func (m *MetricsExtension) OnMessageThrottled(ctx context.Context, j *outbound.Job, _ time.Time) error {
	m.throttled.Add(ctx, 1, msgAttrs(j))
	return nil
}

// OnDeliveryRetrying implements ext.DeliveryRetrying.
func (m *MetricsExtension) OnDeliveryRetrying(ctx context.Context, j *outbound.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, msgAttrs(j))
	return nil
}

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (m *MetricsExtension) OnMessageDeadLettered(ctx context.Context, j *outbound.Job, _ error) error {
	m.deadLettered.Add(ctx, 1, msgAttrs(j))
	return nil
}

// OnMessageCancelled implements ext.MessageCancelled.
func (m *MetricsExtension) OnMessageCancelled(ctx context.Context, j *outbound.Job) error {
	m.cancelled.Add(ctx, 1, msgAttrs(j))
	return nil
}
