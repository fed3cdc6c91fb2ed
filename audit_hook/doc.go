// Package audithook is a courier extension that bridges delivery
// lifecycle events to an audit trail backend.
//
// Every message lifecycle hook emits a structured audit event through
// the [Recorder] interface. The extension assigns severity levels (info
// for normal operations, warning for retries, critical for dead-letters)
// and metadata (destination, payload kind, attempt counts, errors), so
// an operator can answer "what happened to this message" from the audit
// trail alone.
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionMessageDeadLettered,
//	        audithook.ActionMessageCancelled,
//	    ),
//	)
package audithook
