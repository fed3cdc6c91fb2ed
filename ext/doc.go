// Package ext defines the extension system for Courier.
//
// Extensions are notified of delivery lifecycle events and can react to
// them, recording metrics, emitting webhooks, writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnMessageDelivered(ctx context.Context, j *outbound.Job, elapsed time.Duration) error {
//	    log.Printf("message %s delivered in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Delivery Lifecycle Hooks
//
//   - [MessageEnqueued] — message was accepted into the queue
//   - [DeliveryStarted] — worker claimed the message and began an attempt
//   - [MessageDelivered] — the platform accepted the message
//   - [MessageThrottled] — the platform asked us to slow down; the
//     attempt did not count
//   - [DeliveryRetrying] — attempt failed but another is scheduled
//   - [MessageDeadLettered] — delivery was abandoned
//   - [MessageCancelled] — a pending message was withdrawn
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
