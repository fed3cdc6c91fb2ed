package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/courier/id"
)

// Bus provides publish/subscribe over an event Store. The dispatcher
// publishes an outcome through it whenever a message reaches a terminal
// state; AwaitOutcome is the blocking read side.
type Bus struct {
	store Store
}

// NewBus creates an event bus backed by the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Publish creates and persists a new named event.
func (b *Bus) Publish(ctx context.Context, name string, payload []byte) (*Event, error) {
	evt := &Event{
		ID:        id.NewEventID(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.PublishEvent(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Subscribe waits for an unacked event matching the given name.
// Blocks until available or timeout. Returns nil on timeout.
func (b *Bus) Subscribe(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	return b.store.SubscribeEvent(ctx, name, timeout)
}

// Ack acknowledges an event, marking it as consumed.
func (b *Bus) Ack(ctx context.Context, eventID id.EventID) error {
	return b.store.AckEvent(ctx, eventID)
}

// PublishOutcome publishes the terminal outcome for o.MessageID.
func (b *Bus) PublishOutcome(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("event: marshal outcome: %w", err)
	}
	_, err = b.Publish(ctx, OutcomeName(o.MessageID), payload)
	return err
}

// AwaitOutcome blocks until the outcome for msgID is published or the
// timeout expires. Returns (nil, nil) on timeout so callers can
// distinguish "still in flight" from an error.
func (b *Bus) AwaitOutcome(ctx context.Context, msgID id.MessageID, timeout time.Duration) (*Outcome, error) {
	evt, err := b.Subscribe(ctx, OutcomeName(msgID), timeout)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, nil
	}

	var o Outcome
	if err := json.Unmarshal(evt.Payload, &o); err != nil {
		return nil, fmt.Errorf("event: unmarshal outcome: %w", err)
	}
	if err := b.Ack(ctx, evt.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

// Store returns the underlying event store.
func (b *Bus) Store() Store { return b.store }
