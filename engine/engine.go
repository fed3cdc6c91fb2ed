// Package engine wires all courier subsystems together. It creates the
// extension registry, middleware chain, rate limiter, worker pool, and
// provides the Send API.
//
// This package exists to break the import cycle: the root courier
// package defines Entity (imported by outbound, dlq, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/platform"
	"github.com/xraph/courier/ratelimit"
	"github.com/xraph/courier/retry"
	"github.com/xraph/courier/worker"
)

// Message pairs a destination with a payload for bulk sends.
type Message struct {
	Destination string
	Payload     outbound.Payload
}

// Engine wraps a Courier with the fully wired delivery machinery.
// Use Build() to create one.
type Engine struct {
	c          *courier.Courier
	client     platform.Client
	extensions *ext.Registry
	msgStore   outbound.Store
	dlqService *dlq.Service
	eventBus   *event.Bus
	limiter    *ratelimit.Limiter
	policy     retry.Policy
	strategy   retry.Strategy
	pool       *worker.Pool
	mws        []middleware.Middleware
	logger     *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithClient sets the platform client messages are delivered through.
func WithClient(c platform.Client) Option {
	return func(eng *Engine) {
		eng.client = c
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m middleware.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithRetryStrategy sets the retry backoff strategy for the engine.
// If not set, retry.DefaultStrategy() (exponential with jitter) is used.
func WithRetryStrategy(s retry.Strategy) Option {
	return func(eng *Engine) {
		eng.strategy = s
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Courier. The Courier's store
// must implement outbound.Store, dlq.Store, and event.Store; a platform
// client must be supplied via WithClient.
func Build(c *courier.Courier, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	store := c.Store()

	if store == nil {
		return nil, courier.ErrNoStore
	}

	ms, ok := store.(outbound.Store)
	if !ok {
		return nil, errors.New("courier: store does not implement outbound.Store")
	}
	ds, ok := store.(dlq.Store)
	if !ok {
		return nil, errors.New("courier: store does not implement dlq.Store")
	}
	es, ok := store.(event.Store)
	if !ok {
		return nil, errors.New("courier: store does not implement event.Store")
	}

	eng := &Engine{
		c:          c,
		extensions: ext.NewRegistry(logger),
		msgStore:   ms,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.client == nil {
		return nil, courier.ErrNoClient
	}

	config := c.Config()

	// Retry policy: budget from config, strategy from the option.
	eng.policy = retry.NewPolicy(config.MaxAttempts)
	if eng.strategy != nil {
		eng.policy.Strategy = eng.strategy
	}

	eng.dlqService = dlq.NewService(ds, ms)
	eng.eventBus = event.NewBus(es)

	// Send budgets.
	eng.limiter = ratelimit.New(ratelimit.Config{
		GlobalRate:       config.RateLimit,
		GlobalBurst:      config.RateBurst,
		DestinationRate:  config.DestinationRateLimit,
		DestinationBurst: config.DestinationRateBurst,
	})

	// Build tracing middleware (custom provider or global).
	var tracingMw middleware.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/courier")
		tracingMw = middleware.TracingWithTracer(tracer)
	} else {
		tracingMw = middleware.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw middleware.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/courier")
		metricsMw = middleware.MetricsWithMeter(meter)
	} else {
		metricsMw = middleware.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/courier/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack, outermost first: recover, tracing,
	// metrics, logging, timeout.
	defaultMws := []middleware.Middleware{
		middleware.Recover(logger),
		tracingMw,
		metricsMw,
		middleware.Logging(logger),
		middleware.Timeout(config.AttemptTimeout),
	}
	allMws := make([]middleware.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	dispatcher := worker.NewDispatcher(
		eng.client,
		eng.extensions,
		ms,
		eng.dlqService,
		eng.policy,
		eng.eventBus,
		logger,
		allMws...,
	)

	eng.pool = worker.NewPool(
		ms,
		dispatcher,
		eng.extensions,
		logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithMaxIdleInterval(config.MaxIdleInterval),
		worker.WithLimiter(eng.limiter),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleClaimThreshold(config.StaleClaimThreshold),
	)

	// Wire back into the Courier.
	c.SetPool(eng.pool)
	c.SetExtensions(eng.extensions)

	return eng, nil
}

// Send enqueues a message for delivery and returns its ID without
// waiting for the outcome.
func (eng *Engine) Send(ctx context.Context, destination string, p outbound.Payload) (id.MessageID, error) {
	return eng.enqueue(ctx, destination, p, time.Now().UTC())
}

// SendAndPin enqueues a text message that is pinned after delivery.
func (eng *Engine) SendAndPin(ctx context.Context, destination, text string) (id.MessageID, error) {
	return eng.Send(ctx, destination, outbound.PinnedMessage(text))
}

// Ban enqueues a ban of userID from the destination chat.
func (eng *Engine) Ban(ctx context.Context, destination string, userID int64) (id.MessageID, error) {
	return eng.Send(ctx, destination, outbound.BanMember(userID))
}

// SendBulk enqueues a batch of messages with their NotBefore staggered
// by Config.BulkSpacing per destination, so a bulk enqueue cannot burst
// a single chat. The enqueue itself does not block.
func (eng *Engine) SendBulk(ctx context.Context, msgs []Message) ([]id.MessageID, error) {
	spacing := eng.c.Config().BulkSpacing
	now := time.Now().UTC()

	perDest := make(map[string]int, len(msgs))
	out := make([]id.MessageID, 0, len(msgs))
	for _, m := range msgs {
		offset := time.Duration(perDest[m.Destination]) * spacing
		perDest[m.Destination]++

		msgID, err := eng.enqueue(ctx, m.Destination, m.Payload, now.Add(offset))
		if err != nil {
			return out, err
		}
		out = append(out, msgID)
	}
	return out, nil
}

func (eng *Engine) enqueue(ctx context.Context, destination string, p outbound.Payload, notBefore time.Time) (id.MessageID, error) {
	j := &outbound.Job{
		Entity:      courier.NewEntity(),
		ID:          id.NewMessageID(),
		Destination: destination,
		Payload:     p,
		State:       outbound.StatePending,
		MaxAttempts: eng.c.Config().MaxAttempts,
		NotBefore:   notBefore,
	}
	if err := eng.msgStore.Enqueue(ctx, j); err != nil {
		return id.Nil, err
	}

	eng.extensions.EmitMessageEnqueued(ctx, j)
	return j.ID, nil
}

// AwaitOutcome blocks until the message reaches a terminal state or the
// timeout expires. A message already terminal returns immediately;
// expiry returns courier.ErrAwaitTimeout.
func (eng *Engine) AwaitOutcome(ctx context.Context, msgID id.MessageID, timeout time.Duration) (outbound.State, error) {
	j, err := eng.msgStore.Get(ctx, msgID)
	if err != nil {
		return "", err
	}
	if j.State.Terminal() {
		return j.State, nil
	}

	o, err := eng.eventBus.AwaitOutcome(ctx, msgID, timeout)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", courier.ErrAwaitTimeout
	}
	return o.State, nil
}

// Outcome is the non-blocking status lookup: the message's current
// state without waiting.
func (eng *Engine) Outcome(ctx context.Context, msgID id.MessageID) (outbound.State, error) {
	j, err := eng.msgStore.Get(ctx, msgID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

// Cancel withdraws a pending message before dispatch. An in-flight
// attempt is allowed to finish and record its own outcome.
func (eng *Engine) Cancel(ctx context.Context, msgID id.MessageID) error {
	if err := eng.msgStore.Cancel(ctx, msgID); err != nil {
		return err
	}

	j, err := eng.msgStore.Get(ctx, msgID)
	if err != nil {
		return err
	}

	eng.extensions.EmitMessageCancelled(ctx, j)

	o := event.Outcome{
		MessageID:    msgID,
		State:        outbound.StateFailed,
		AttemptCount: j.AttemptCount,
		LastError:    "cancelled",
		At:           time.Now().UTC(),
	}
	if pubErr := eng.eventBus.PublishOutcome(ctx, o); pubErr != nil {
		eng.logger.Error("failed to publish cancel outcome",
			slog.String("message_id", msgID.String()),
			slog.String("error", pubErr.Error()),
		)
	}
	return nil
}

// Replay re-enqueues a dead-lettered message as a fresh pending message
// and marks the DLQ entry replayed.
func (eng *Engine) Replay(ctx context.Context, entryID id.DLQID) (*outbound.Job, error) {
	return eng.dlqService.Replay(ctx, entryID)
}

// Start begins message dispatch by starting the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.c.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.c.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Courier returns the underlying Courier.
func (eng *Engine) Courier() *courier.Courier { return eng.c }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// EventBus returns the outcome event bus.
func (eng *Engine) EventBus() *event.Bus { return eng.eventBus }

// Limiter returns the send-budget limiter.
func (eng *Engine) Limiter() *ratelimit.Limiter { return eng.limiter }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }
