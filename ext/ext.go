package ext

import (
	"context"
	"time"

	"github.com/xraph/courier/outbound"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Delivery lifecycle hooks
// ──────────────────────────────────────────────────

// MessageEnqueued is called after a message is successfully enqueued.
type MessageEnqueued interface {
	OnMessageEnqueued(ctx context.Context, j *outbound.Job) error
}

// DeliveryStarted is called when a worker claims a message and begins an
// attempt.
type DeliveryStarted interface {
	OnDeliveryStarted(ctx context.Context, j *outbound.Job) error
}

// MessageDelivered is called after the platform accepts a message.
type MessageDelivered interface {
	OnMessageDelivered(ctx context.Context, j *outbound.Job, elapsed time.Duration) error
}

// MessageThrottled is called when the platform or the local limiter
// defers an attempt. The attempt counter has not advanced.
type MessageThrottled interface {
	OnMessageThrottled(ctx context.Context, j *outbound.Job, retryAt time.Time) error
}

// DeliveryRetrying is called when an attempt fails but another is
// scheduled.
type DeliveryRetrying interface {
	OnDeliveryRetrying(ctx context.Context, j *outbound.Job, attempt int, retryAt time.Time) error
}

// MessageDeadLettered is called when delivery is abandoned, either
// because the retry budget is spent or the failure was permanent.
type MessageDeadLettered interface {
	OnMessageDeadLettered(ctx context.Context, j *outbound.Job, err error) error
}

// MessageCancelled is called when a pending message is withdrawn before
// dispatch.
type MessageCancelled interface {
	OnMessageCancelled(ctx context.Context, j *outbound.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
