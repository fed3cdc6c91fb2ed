// Package dlq provides the dead letter queue for messages whose
// delivery was abandoned. It supports inspection, replay, and purging.
//
// When a delivery attempt fails permanently, or a transient failure
// exhausts the attempt budget, the dispatcher calls [Service.Push] to
// record the message here. The payload, destination, final error, and
// attempt counts are preserved for debugging.
//
// # Entry
//
// An [Entry] captures:
//   - MessageID / Destination / Kind: original message identity
//   - Payload: the message content at time of failure
//   - Error: the final error message
//   - AttemptCount / MaxAttempts: the spent attempt budget
//   - FailedAt: when delivery was abandoned
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
// [Service] wraps the DLQ store with high-level operations:
//
//	svc := dlq.NewService(store, msgStore)
//
//	// Push is called automatically by the dispatcher on abandonment.
//	svc.Push(ctx, deadJob, err)
//
//	// Access the underlying store for list/get/purge/count.
//	svc.DLQStore().ListDLQ(ctx, dlq.ListOpts{Limit: 50})
//
// # Replay
//
// Replaying an entry enqueues a fresh message with the original
// destination and payload, a new ID, and a zero attempt count, then
// sets ReplayedAt on the entry.
package dlq
