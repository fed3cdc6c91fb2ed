package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/outbound"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type messageEnqueuedEntry struct {
	name string
	hook MessageEnqueued
}

type deliveryStartedEntry struct {
	name string
	hook DeliveryStarted
}

type messageDeliveredEntry struct {
	name string
	hook MessageDelivered
}

type messageThrottledEntry struct {
	name string
	hook MessageThrottled
}

type deliveryRetryingEntry struct {
	name string
	hook DeliveryRetrying
}

type messageDeadLetteredEntry struct {
	name string
	hook MessageDeadLettered
}

type messageCancelledEntry struct {
	name string
	hook MessageCancelled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	messageEnqueued     []messageEnqueuedEntry
	deliveryStarted     []deliveryStartedEntry
	messageDelivered    []messageDeliveredEntry
	messageThrottled    []messageThrottledEntry
	deliveryRetrying    []deliveryRetryingEntry
	messageDeadLettered []messageDeadLetteredEntry
	messageCancelled    []messageCancelledEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(MessageEnqueued); ok {
		r.messageEnqueued = append(r.messageEnqueued, messageEnqueuedEntry{name, h})
	}
	if h, ok := e.(DeliveryStarted); ok {
		r.deliveryStarted = append(r.deliveryStarted, deliveryStartedEntry{name, h})
	}
	if h, ok := e.(MessageDelivered); ok {
		r.messageDelivered = append(r.messageDelivered, messageDeliveredEntry{name, h})
	}
	if h, ok := e.(MessageThrottled); ok {
		r.messageThrottled = append(r.messageThrottled, messageThrottledEntry{name, h})
	}
	if h, ok := e.(DeliveryRetrying); ok {
		r.deliveryRetrying = append(r.deliveryRetrying, deliveryRetryingEntry{name, h})
	}
	if h, ok := e.(MessageDeadLettered); ok {
		r.messageDeadLettered = append(r.messageDeadLettered, messageDeadLetteredEntry{name, h})
	}
	if h, ok := e.(MessageCancelled); ok {
		r.messageCancelled = append(r.messageCancelled, messageCancelledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Delivery event emitters
// ──────────────────────────────────────────────────

// EmitMessageEnqueued notifies all extensions that implement MessageEnqueued.
func (r *Registry) EmitMessageEnqueued(ctx context.Context, j *outbound.Job) {
	for _, e := range r.messageEnqueued {
		if err := e.hook.OnMessageEnqueued(ctx, j); err != nil {
			r.logHookError("OnMessageEnqueued", e.name, err)
		}
	}
}

// EmitDeliveryStarted notifies all extensions that implement DeliveryStarted.
func (r *Registry) EmitDeliveryStarted(ctx context.Context, j *outbound.Job) {
	for _, e := range r.deliveryStarted {
		if err := e.hook.OnDeliveryStarted(ctx, j); err != nil {
			r.logHookError("OnDeliveryStarted", e.name, err)
		}
	}
}

// EmitMessageDelivered notifies all extensions that implement MessageDelivered.
func (r *Registry) EmitMessageDelivered(ctx context.Context, j *outbound.Job, elapsed time.Duration) {
	for _, e := range r.messageDelivered {
		if err := e.hook.OnMessageDelivered(ctx, j, elapsed); err != nil {
			r.logHookError("OnMessageDelivered", e.name, err)
		}
	}
}

// EmitMessageThrottled notifies all extensions that implement MessageThrottled.
func (r *Registry) EmitMessageThrottled(ctx context.Context, j *outbound.Job, retryAt time.Time) {
	for _, e := range r.messageThrottled {
		if err := e.hook.OnMessageThrottled(ctx, j, retryAt); err != nil {
			r.logHookError("OnMessageThrottled", e.name, err)
		}
	}
}

// EmitDeliveryRetrying notifies all extensions that implement DeliveryRetrying.
func (r *Registry) EmitDeliveryRetrying(ctx context.Context, j *outbound.Job, attempt int, retryAt time.Time) {
	for _, e := range r.deliveryRetrying {
		if err := e.hook.OnDeliveryRetrying(ctx, j, attempt, retryAt); err != nil {
			r.logHookError("OnDeliveryRetrying", e.name, err)
		}
	}
}

// EmitMessageDeadLettered notifies all extensions that implement MessageDeadLettered.
func (r *Registry) EmitMessageDeadLettered(ctx context.Context, j *outbound.Job, deliveryErr error) {
	for _, e := range r.messageDeadLettered {
		if err := e.hook.OnMessageDeadLettered(ctx, j, deliveryErr); err != nil {
			r.logHookError("OnMessageDeadLettered", e.name, err)
		}
	}
}

// EmitMessageCancelled notifies all extensions that implement MessageCancelled.
func (r *Registry) EmitMessageCancelled(ctx context.Context, j *outbound.Job) {
	for _, e := range r.messageCancelled {
		if err := e.hook.OnMessageCancelled(ctx, j); err != nil {
			r.logHookError("OnMessageCancelled", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block delivery.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
