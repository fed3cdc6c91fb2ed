package dlq

import (
	"context"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// Replay enqueues a DLQ entry as a fresh pending message and marks the
// entry as replayed. The new message gets a new ID, a zero attempt
// count, and is eligible immediately.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*outbound.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &outbound.Job{
		Entity:      courier.NewEntity(),
		ID:          id.NewMessageID(),
		Destination: entry.Destination,
		Payload:     entry.Payload,
		State:       outbound.StatePending,
		MaxAttempts: entry.MaxAttempts,
		NotBefore:   now,
	}

	if err := s.msgStore.Enqueue(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The message is already enqueued. Surface the marking error but
		// return the job so the caller can track it.
		return j, err
	}

	return j, nil
}
