package outbound

import (
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// State represents the lifecycle state of an outbound message.
type State string

const (
	// StatePending means the message is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateInFlight means a worker holds the message and a delivery
	// attempt is in progress.
	StateInFlight State = "in_flight"
	// StateDelivered means the platform accepted the message. Terminal.
	StateDelivered State = "delivered"
	// StateFailed means the message was cancelled before dispatch. Terminal.
	StateFailed State = "failed"
	// StateDeadLettered means delivery was abandoned, either because the
	// retry budget is exhausted or the failure was permanent. Terminal.
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateDeadLettered
}

// Job represents one outbound message moving through the delivery queue.
type Job struct {
	courier.Entity

	ID            id.MessageID `json:"id"`
	Destination   string       `json:"destination"`
	Payload       Payload      `json:"payload"`
	State         State        `json:"state"`
	MaxAttempts   int          `json:"max_attempts"`
	AttemptCount  int          `json:"attempt_count"`
	LastError     string       `json:"last_error,omitempty"`
	WorkerID      id.WorkerID  `json:"worker_id,omitempty"`
	NotBefore     time.Time    `json:"not_before"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	HeartbeatAt   *time.Time   `json:"heartbeat_at,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
}
