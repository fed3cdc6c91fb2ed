// Package worker provides the delivery engine — a Dispatcher that runs
// one attempt through middleware and the platform client, and a Pool
// that manages concurrent worker goroutines claiming pending messages.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/platform"
	"github.com/xraph/courier/retry"
)

// Dispatcher runs a single claimed message through middleware and the
// platform client, then settles it: ack on success, reschedule on
// throttle or transient failure, dead-letter when the budget is spent
// or the failure is permanent.
type Dispatcher struct {
	client     platform.Client
	extensions *ext.Registry
	store      outbound.Store
	dlqService *dlq.Service
	policy     retry.Policy
	bus        *event.Bus
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given dependencies.
func NewDispatcher(
	client platform.Client,
	extensions *ext.Registry,
	store outbound.Store,
	dlqService *dlq.Service,
	policy retry.Policy,
	bus *event.Bus,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Dispatcher {
	return &Dispatcher{
		client:     client,
		extensions: extensions,
		store:      store,
		dlqService: dlqService,
		policy:     policy,
		bus:        bus,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Dispatch runs one delivery attempt for an in-flight message.
// On success: marks delivered, emits MessageDelivered, publishes the outcome.
// On throttle: reschedules at the platform's requested time without
// touching the attempt counter, emits MessageThrottled.
// On transient failure with budget remaining: reschedules with backoff,
// emits DeliveryRetrying.
// On permanent failure or spent budget: dead-letters, emits
// MessageDeadLettered, publishes the outcome.
// When ctx itself is cancelled the attempt is abandoned unsettled; the
// stale-claim reaper later recovers the message.
func (d *Dispatcher) Dispatch(ctx context.Context, j *outbound.Job) error {
	start := time.Now()

	// The terminal handler that calls the platform.
	terminal := func(ctx context.Context) error {
		return d.client.Deliver(ctx, j.Destination, j.Payload)
	}

	err := d.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	// A cancelled attempt context means the attempt was abandoned, not
	// completed: shutdown revoked the worker mid-flight and the delivery
	// outcome is unknown. Leave the claim untouched so the stale-claim
	// reaper returns the message to pending with its attempt budget
	// intact. The per-attempt timeout is not this case; it fires the
	// deadline on a child context and settles as a transient failure.
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		d.logger.Warn("delivery attempt abandoned by cancellation",
			slog.String("message_id", j.ID.String()),
			slog.String("destination", j.Destination),
		)
		return nil
	}

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err == nil {
		return d.handleSuccess(ctx, j, now, elapsed)
	}
	return d.handleFailure(ctx, j, err, now)
}

// handleSuccess counts the attempt, marks the message delivered, and
// publishes its outcome.
func (d *Dispatcher) handleSuccess(ctx context.Context, j *outbound.Job, now time.Time, elapsed time.Duration) error {
	j.AttemptCount++
	j.LastAttemptAt = &now
	j.State = outbound.StateDelivered
	j.DeliveredAt = &now

	if ackErr := d.store.Ack(ctx, j); ackErr != nil {
		d.logger.Error("failed to ack delivered message",
			slog.String("message_id", j.ID.String()),
			slog.String("destination", j.Destination),
			slog.String("error", ackErr.Error()),
		)
		return ackErr
	}

	d.extensions.EmitMessageDelivered(ctx, j, elapsed)
	d.publishOutcome(ctx, j)
	return nil
}

// handleFailure classifies the error and settles the message. Throttles
// do not consume an attempt; everything else does.
func (d *Dispatcher) handleFailure(ctx context.Context, j *outbound.Job, deliveryErr error, now time.Time) error {
	if _, throttled := platform.AsThrottled(deliveryErr); !throttled {
		j.AttemptCount++
		j.LastAttemptAt = &now
		j.LastError = deliveryErr.Error()
	}

	decision := d.policy.Decide(now, j.AttemptCount, deliveryErr)
	switch decision.Action {
	case retry.ActionThrottle:
		return d.reschedule(ctx, j, decision.RetryAt, true)
	case retry.ActionRetry:
		return d.reschedule(ctx, j, decision.RetryAt, false)
	default:
		return d.deadLetter(ctx, j, deliveryErr)
	}
}

// reschedule returns the message to pending, eligible at retryAt.
func (d *Dispatcher) reschedule(ctx context.Context, j *outbound.Job, retryAt time.Time, throttled bool) error {
	j.NotBefore = retryAt

	if releaseErr := d.store.Release(ctx, j, outbound.DispositionRetry); releaseErr != nil {
		d.logger.Error("failed to release message for retry",
			slog.String("message_id", j.ID.String()),
			slog.String("error", releaseErr.Error()),
		)
		return releaseErr
	}

	if throttled {
		d.extensions.EmitMessageThrottled(ctx, j, retryAt)
		d.logger.Info("delivery throttled by platform",
			slog.String("message_id", j.ID.String()),
			slog.String("destination", j.Destination),
			slog.Time("retry_at", retryAt),
		)
		return nil
	}

	d.extensions.EmitDeliveryRetrying(ctx, j, j.AttemptCount, retryAt)
	d.logger.Info("delivery scheduled for retry",
		slog.String("message_id", j.ID.String()),
		slog.String("destination", j.Destination),
		slog.Int("attempt", j.AttemptCount),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Time("retry_at", retryAt),
	)
	return nil
}

// deadLetter abandons delivery: terminal state, DLQ entry, outcome event.
func (d *Dispatcher) deadLetter(ctx context.Context, j *outbound.Job, deliveryErr error) error {
	j.State = outbound.StateDeadLettered

	if releaseErr := d.store.Release(ctx, j, outbound.DispositionDeadLetter); releaseErr != nil {
		d.logger.Error("failed to dead-letter message",
			slog.String("message_id", j.ID.String()),
			slog.String("error", releaseErr.Error()),
		)
		return releaseErr
	}

	if d.dlqService != nil {
		if dlqErr := d.dlqService.Push(ctx, j, deliveryErr); dlqErr != nil {
			d.logger.Error("failed to push message to DLQ",
				slog.String("message_id", j.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	d.extensions.EmitMessageDeadLettered(ctx, j, deliveryErr)
	d.publishOutcome(ctx, j)

	d.logger.Warn("delivery abandoned",
		slog.String("message_id", j.ID.String()),
		slog.String("destination", j.Destination),
		slog.Int("attempt_count", j.AttemptCount),
		slog.String("error", deliveryErr.Error()),
	)

	return deliveryErr
}

// publishOutcome records the terminal outcome on the event bus so
// AwaitOutcome callers unblock. Publish failures are logged, not
// propagated: the state transition already happened.
func (d *Dispatcher) publishOutcome(ctx context.Context, j *outbound.Job) {
	if d.bus == nil {
		return
	}
	o := event.Outcome{
		MessageID:    j.ID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		At:           time.Now().UTC(),
	}
	if err := d.bus.PublishOutcome(ctx, o); err != nil {
		d.logger.Error("failed to publish outcome",
			slog.String("message_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
