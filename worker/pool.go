package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/ratelimit"
)

// Pool manages a set of concurrent worker goroutines that claim pending
// messages and deliver them through the Dispatcher.
type Pool struct {
	store      outbound.Store
	dispatcher *Dispatcher
	extensions *ext.Registry
	limiter    *ratelimit.Limiter
	workerID   id.WorkerID
	logger     *slog.Logger

	concurrency     int
	pollInterval    time.Duration
	maxIdleInterval time.Duration

	// Heartbeat / reaper configuration.
	heartbeatInterval   time.Duration
	staleClaimThreshold time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets the base interval workers wait when the queue
// is empty.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithMaxIdleInterval caps the idle backoff: consecutive empty polls
// double the wait up to this value.
func WithMaxIdleInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxIdleInterval = d }
}

// WithLimiter sets the send-budget limiter consulted before every
// attempt. A nil limiter disables local throttling.
func WithLimiter(l *ratelimit.Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithHeartbeatInterval sets how often the pool sends heartbeats for
// in-flight messages. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleClaimThreshold sets the threshold after which in-flight
// messages without a heartbeat are considered orphaned and returned to
// pending. A zero value disables reaping.
func WithStaleClaimThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleClaimThreshold = d }
}

// NewPool creates a worker pool.
func NewPool(
	store outbound.Store,
	dispatcher *Dispatcher,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:           store,
		dispatcher:      dispatcher,
		extensions:      extensions,
		concurrency:     8,
		pollInterval:    250 * time.Millisecond,
		maxIdleInterval: 5 * time.Second,
		workerID:        id.NewWorkerID(),
		logger:          logger,
		stopCh:          make(chan struct{}),
		active:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	// Launch heartbeat goroutine if configured.
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	// Launch reaper goroutine if configured.
	if p.staleClaimThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, in-flight attempts are cancelled when
// time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight attempts")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine. Empty polls back off
// exponentially from pollInterval up to maxIdleInterval; claiming a
// message resets the backoff.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	idle := p.pollInterval
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.ClaimNext(context.Background(), p.workerID)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep(idle)
			idle = p.nextIdle(idle)
			continue
		}

		if j == nil {
			p.sleep(idle)
			idle = p.nextIdle(idle)
			continue
		}
		idle = p.pollInterval

		// Consult the local send budget. A throttled message goes back
		// to pending with its eligibility pushed out; no attempt is
		// consumed.
		if p.limiter != nil {
			if decision := p.limiter.Reserve(j.Destination); !decision.Allowed {
				p.requeueThrottled(j, decision.ThrottledUntil)
				continue
			}
		}

		p.extensions.EmitDeliveryStarted(context.Background(), j)

		ctx, cancel := context.WithCancel(context.Background())
		p.track(j.ID.String(), cancel)

		if dispatchErr := p.dispatcher.Dispatch(ctx, j); dispatchErr != nil {
			p.logger.Debug("dispatch failed",
				slog.String("message_id", j.ID.String()),
				slog.String("destination", j.Destination),
				slog.String("error", dispatchErr.Error()),
			)
		}

		p.untrack(j.ID.String())
		cancel()
	}
}

// requeueThrottled returns a claimed message to pending because the
// local limiter has no budget for its destination.
func (p *Pool) requeueThrottled(j *outbound.Job, until time.Time) {
	j.NotBefore = until

	if err := p.store.Release(context.Background(), j, outbound.DispositionRetry); err != nil {
		p.logger.Error("failed to requeue throttled message",
			slog.String("message_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.extensions.EmitMessageThrottled(context.Background(), j, until)
	p.logger.Debug("message throttled by local budget",
		slog.String("message_id", j.ID.String()),
		slog.String("destination", j.Destination),
		slog.Time("retry_at", until),
	)
}

// heartbeatLoop periodically sends heartbeats for all in-flight messages.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	msgIDs := make([]string, 0, len(p.active))
	for msgID := range p.active {
		msgIDs = append(msgIDs, msgID)
	}
	p.activeMu.Unlock()

	for _, msgIDStr := range msgIDs {
		parsedID, parseErr := id.ParseMessageID(msgIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid message id", slog.String("message_id", msgIDStr))
			continue
		}
		if err := p.store.Heartbeat(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("message_id", msgIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically returns orphaned in-flight messages to
// pending. The store performs the reset atomically, so concurrent
// reapers reclaim each message exactly once.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleClaimThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStale()
		}
	}
}

func (p *Pool) reapStale() {
	reclaimed, err := p.store.ReapStale(context.Background(), p.staleClaimThreshold)
	if err != nil {
		p.logger.Error("reap stale claims error", slog.String("error", err.Error()))
		return
	}

	for _, j := range reclaimed {
		p.logger.Info("reclaimed orphaned message",
			slog.String("message_id", j.ID.String()),
			slog.String("destination", j.Destination),
		)
	}
}

func (p *Pool) nextIdle(idle time.Duration) time.Duration {
	if p.maxIdleInterval <= 0 {
		return p.pollInterval
	}
	return min(idle*2, p.maxIdleInterval)
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) track(msgID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[msgID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(msgID string) {
	p.activeMu.Lock()
	delete(p.active, msgID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for msgID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight attempt", slog.String("message_id", msgID))
		cancel()
	}
}
