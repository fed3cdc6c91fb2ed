package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/store"
)

// Ensure Store implements the aggregate store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*outbound.Job
	dlqs   map[string]*dlq.Entry
	events map[string]*event.Event
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*outbound.Job),
		dlqs:   make(map[string]*dlq.Entry),
		events: make(map[string]*event.Event),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Outbound Store
// ──────────────────────────────────────────────────

// Enqueue persists a new job in pending state.
func (m *Store) Enqueue(_ context.Context, j *outbound.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return courier.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// ClaimNext atomically claims the next eligible pending job and moves it
// to in_flight. Per destination the lowest message ID goes first, and a
// destination with an in-flight job is skipped entirely; message IDs are
// K-sortable, so ID order is enqueue order.
func (m *Store) ClaimNext(_ context.Context, workerID id.WorkerID) (*outbound.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	// Destinations that already have an in-flight job are off limits.
	busy := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.State == outbound.StateInFlight {
			busy[j.Destination] = struct{}{}
		}
	}

	// Head of each free destination's queue: the lowest pending ID.
	heads := make(map[string]*outbound.Job)
	for _, j := range m.jobs {
		if j.State != outbound.StatePending {
			continue
		}
		if _, isBusy := busy[j.Destination]; isBusy {
			continue
		}
		head, ok := heads[j.Destination]
		if !ok || j.ID.String() < head.ID.String() {
			heads[j.Destination] = j
		}
	}

	// Among eligible heads, claim the oldest. A destination whose head
	// is still deferred yields nothing: sending a newer message first
	// would break its ordering.
	var pick *outbound.Job
	for _, j := range heads {
		if j.NotBefore.After(now) {
			continue
		}
		if pick == nil || j.ID.String() < pick.ID.String() {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.State = outbound.StateInFlight
	pick.WorkerID = workerID
	n := now
	pick.ClaimedAt = &n
	pick.HeartbeatAt = &n
	pick.UpdatedAt = now

	// Return a copy so callers can mutate without racing with the store.
	cp := *pick
	return &cp, nil
}

// Ack transitions an in-flight job to delivered.
func (m *Store) Ack(_ context.Context, j *outbound.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID.String()]
	if !ok {
		return courier.ErrJobNotFound
	}
	if stored.State.Terminal() {
		return courier.ErrTerminalState
	}
	if stored.State != outbound.StateInFlight {
		return courier.ErrInvalidState
	}

	now := time.Now().UTC()
	stored.State = outbound.StateDelivered
	stored.AttemptCount = j.AttemptCount
	stored.LastAttemptAt = j.LastAttemptAt
	stored.DeliveredAt = &now
	stored.WorkerID = id.WorkerID{}
	stored.ClaimedAt = nil
	stored.HeartbeatAt = nil
	stored.UpdatedAt = now
	return nil
}

// Release settles an in-flight job according to disp.
func (m *Store) Release(_ context.Context, j *outbound.Job, disp outbound.Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID.String()]
	if !ok {
		return courier.ErrJobNotFound
	}
	if stored.State.Terminal() {
		return courier.ErrTerminalState
	}
	if stored.State != outbound.StateInFlight {
		return courier.ErrInvalidState
	}

	now := time.Now().UTC()
	stored.AttemptCount = j.AttemptCount
	stored.LastError = j.LastError
	stored.LastAttemptAt = j.LastAttemptAt
	stored.WorkerID = id.WorkerID{}
	stored.ClaimedAt = nil
	stored.HeartbeatAt = nil
	stored.UpdatedAt = now

	switch disp {
	case outbound.DispositionRetry:
		stored.State = outbound.StatePending
		// The schedule never moves backwards.
		if j.NotBefore.After(stored.NotBefore) {
			stored.NotBefore = j.NotBefore
		}
	case outbound.DispositionDeadLetter:
		stored.State = outbound.StateDeadLettered
	case outbound.DispositionFail:
		stored.State = outbound.StateFailed
	default:
		return courier.ErrInvalidState
	}
	return nil
}

// Cancel transitions a pending job to failed. In-flight jobs cannot be
// cancelled; the running attempt settles the message.
func (m *Store) Cancel(_ context.Context, msgID id.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[msgID.String()]
	if !ok {
		return courier.ErrJobNotFound
	}
	if stored.State.Terminal() {
		return courier.ErrTerminalState
	}
	if stored.State == outbound.StateInFlight {
		return courier.ErrNotCancellable
	}

	stored.State = outbound.StateFailed
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, msgID id.MessageID) (*outbound.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[msgID.String()]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListByState returns jobs matching the given state.
func (m *Store) ListByState(_ context.Context, state outbound.State, opts outbound.ListOpts) ([]*outbound.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*outbound.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Destination != "" && j.Destination != opts.Destination {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by ID for deterministic, enqueue-ordered output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// Heartbeat updates the liveness timestamp for an in-flight job.
func (m *Store) Heartbeat(_ context.Context, msgID id.MessageID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[msgID.String()]
	if !ok {
		return courier.ErrJobNotFound
	}
	if j.State != outbound.StateInFlight || j.WorkerID != workerID {
		return courier.ErrInvalidState
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// ReapStale atomically returns orphaned in-flight jobs to pending and
// reports them. The reset happens under the store lock, so concurrent
// reapers reclaim each job exactly once.
func (m *Store) ReapStale(_ context.Context, threshold time.Duration) ([]*outbound.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var reclaimed []*outbound.Job
	for _, j := range m.jobs {
		if j.State != outbound.StateInFlight {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}

		j.State = outbound.StatePending
		j.NotBefore = now
		j.WorkerID = id.WorkerID{}
		j.ClaimedAt = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = now

		cp := *j
		reclaimed = append(reclaimed, &cp)
	}
	return reclaimed, nil
}

// Count returns the number of jobs matching the given options.
func (m *Store) Count(_ context.Context, opts outbound.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Destination != "" && j.Destination != opts.Destination {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds an abandoned message entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dlqs[entry.ID.String()] = entry
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Destination != "" && e.Destination != opts.Destination {
			continue
		}
		result = append(result, e)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, courier.ErrDLQNotFound
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return courier.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// PublishEvent persists a new event.
func (m *Store) PublishEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[evt.ID.String()] = evt
	return nil
}

// SubscribeEvent waits for an unacked event matching the given name.
// Poll-based: loops with 10ms sleep until an event is available or timeout.
func (m *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		// Check context cancellation.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		m.mu.RLock()
		for _, evt := range m.events {
			if evt.Name == name && !evt.Acked {
				m.mu.RUnlock()
				return evt, nil
			}
		}
		m.mu.RUnlock()

		// Brief sleep to avoid busy-waiting.
		time.Sleep(10 * time.Millisecond)
	}
}

// AckEvent acknowledges an event, marking it as consumed.
func (m *Store) AckEvent(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return courier.ErrEventNotFound
	}
	evt.Acked = true
	return nil
}
