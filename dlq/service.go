package dlq

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store    Store
	msgStore outbound.Store
}

// NewService creates a DLQ service.
func NewService(store Store, msgStore outbound.Store) *Service {
	return &Service{store: store, msgStore: msgStore}
}

// Push builds a DLQ Entry from an abandoned message and persists it.
// The error string is captured from the final delivery error.
func (s *Service) Push(ctx context.Context, j *outbound.Job, deliveryErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDLQID(),
		MessageID:    j.ID,
		Destination:  j.Destination,
		Kind:         j.Payload.Kind,
		Payload:      j.Payload,
		Error:        deliveryErr.Error(),
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
