// Package outbound defines the delivery queue's data model and persistence
// contract: the Job (one outbound message), its state machine, and the
// Store interface every backend implements.
//
// # State machine
//
//	pending ──claim──▶ in_flight ──ack──▶ delivered   (terminal)
//	   ▲                   │
//	   │             release(retry)
//	   └───────────────────┤
//	                       ├─release(dead_letter)──▶ dead_lettered (terminal)
//	                       └─release(fail)─────────▶ failed        (terminal)
//	pending ──cancel──▶ failed (terminal)
//
// Terminal states are immutable: any claim, ack, or release against a
// terminal job fails with courier.ErrTerminalState and mutates nothing.
//
// # Ordering
//
// Within one destination, jobs are claimed in enqueue order (lowest
// message ID first — IDs are K-sortable) and at most one job per
// destination is in flight at a time, preserving conversational ordering.
// Across destinations there is no ordering guarantee, so a throttled or
// slow destination never blocks the rest of the queue.
package outbound
