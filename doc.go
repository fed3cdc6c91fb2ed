// Package courier provides a durable outbound message delivery engine for
// chat-bot backends. It decouples reply generation from platform API calls:
// business logic enqueues messages, and a pool of dispatcher workers
// delivers them under per-destination and global rate limits with bounded
// retries, dead-lettering, and state that survives process restart.
//
// Courier is designed as a library, not a service. Import it, configure a
// store and a platform client, and send.
//
// # Quick Start
//
//	c, err := courier.New(
//	    courier.WithStore(pgStore),
//	    courier.WithConcurrency(8),
//	)
//
// # Architecture
//
// Courier follows a composable store pattern where each subsystem
// (outbound queue, dlq, event) defines its own store interface and a single
// backend implements all of them. Delivery outcomes are classified into a
// strict taxonomy — throttle, transient, permanent — and a pure retry
// policy decides what happens next.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers. Message IDs being K-sortable is load
// bearing: stores use ID order for same-destination FIFO dispatch.
package courier
