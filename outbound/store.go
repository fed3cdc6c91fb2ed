package outbound

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
)

// Disposition tells Release what to do with an in-flight job.
type Disposition string

const (
	// DispositionRetry returns the job to pending with its updated
	// NotBefore, AttemptCount, and LastError.
	DispositionRetry Disposition = "retry"
	// DispositionDeadLetter moves the job to the terminal dead_lettered
	// state.
	DispositionDeadLetter Disposition = "dead_letter"
	// DispositionFail moves the job to the terminal failed state.
	DispositionFail Disposition = "fail"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Destination filters by destination. Empty means all destinations.
	Destination string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Destination filters by destination. Empty means all destinations.
	Destination string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for the delivery queue.
//
// Implementations must make ClaimNext a single atomic compare-and-set:
// under concurrent claims, each pending job is handed to exactly one
// worker. All mutating methods must refuse to touch jobs in a terminal
// state, returning courier.ErrTerminalState.
type Store interface {
	// Enqueue persists a new job in pending state. A duplicate ID yields
	// courier.ErrJobExists.
	Enqueue(ctx context.Context, j *Job) error

	// ClaimNext atomically claims the earliest eligible pending job
	// (NotBefore <= now) and transitions it to in_flight, stamping
	// WorkerID, ClaimedAt, and HeartbeatAt. Destinations that already
	// have an in-flight job are skipped; within a destination the lowest
	// message ID wins, giving per-destination FIFO. Returns (nil, nil)
	// when no job is eligible.
	ClaimNext(ctx context.Context, workerID id.WorkerID) (*Job, error)

	// Ack transitions an in-flight job to delivered, persisting the job's
	// AttemptCount and LastAttemptAt and stamping DeliveredAt.
	Ack(ctx context.Context, j *Job) error

	// Release transitions an in-flight job according to disp, persisting
	// the job's AttemptCount, NotBefore, and LastError. A NotBefore
	// earlier than the stored value is clamped: the schedule never moves
	// backwards.
	Release(ctx context.Context, j *Job, disp Disposition) error

	// Cancel transitions a pending job to failed. In-flight jobs cannot
	// be cancelled (courier.ErrNotCancellable); the running attempt is
	// allowed to finish and record its outcome.
	Cancel(ctx context.Context, msgID id.MessageID) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, msgID id.MessageID) (*Job, error)

	// ListByState returns jobs matching the given state.
	ListByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// Heartbeat updates the liveness timestamp for an in-flight job,
	// indicating the claiming worker is still alive.
	Heartbeat(ctx context.Context, msgID id.MessageID, workerID id.WorkerID) error

	// ReapStale atomically returns in-flight jobs whose heartbeat is older
	// than threshold to pending (NotBefore reset to now, worker cleared)
	// and reports the jobs it reclaimed. The reset happens inside the
	// store so concurrent reapers reclaim each job exactly once.
	ReapStale(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// Count returns the number of jobs matching the given options.
	Count(ctx context.Context, opts CountOpts) (int64, error)
}
