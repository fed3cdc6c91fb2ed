package dlq

import (
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// Entry represents a message whose delivery was abandoned and moved to
// the dead letter queue for inspection or replay.
type Entry struct {
	ID           id.DLQID         `json:"id"`
	MessageID    id.MessageID     `json:"message_id"`
	Destination  string           `json:"destination"`
	Kind         outbound.Kind    `json:"kind"`
	Payload      outbound.Payload `json:"payload"`
	Error        string           `json:"error"`
	AttemptCount int              `json:"attempt_count"`
	MaxAttempts  int              `json:"max_attempts"`
	FailedAt     time.Time        `json:"failed_at"`
	ReplayedAt   *time.Time       `json:"replayed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
