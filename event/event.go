// Package event provides the outcome bus: every message that reaches a
// terminal state publishes an outcome event, and callers block on it via
// AwaitOutcome to learn how delivery ended.
package event

import (
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// Event is a named event persisted to the event store. Outcome events
// are named after the message they describe; the bus also carries
// arbitrary named events for extensions that need coordination.
type Event struct {
	ID        id.EventID `json:"id"`
	Name      string     `json:"name"`
	Payload   []byte     `json:"payload,omitempty"`
	Acked     bool       `json:"acked"`
	CreatedAt time.Time  `json:"created_at"`
}

// Outcome records how delivery of one message ended.
type Outcome struct {
	MessageID    id.MessageID   `json:"message_id"`
	State        outbound.State `json:"state"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	At           time.Time      `json:"at"`
}

// OutcomeName returns the event name outcome events for msgID are
// published under.
func OutcomeName(msgID id.MessageID) string {
	return "outcome:" + msgID.String()
}
