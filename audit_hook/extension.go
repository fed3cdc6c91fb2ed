package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/outbound"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.MessageEnqueued     = (*Extension)(nil)
	_ ext.DeliveryStarted     = (*Extension)(nil)
	_ ext.MessageDelivered    = (*Extension)(nil)
	_ ext.MessageThrottled    = (*Extension)(nil)
	_ ext.DeliveryRetrying    = (*Extension)(nil)
	_ ext.MessageDeadLettered = (*Extension)(nil)
	_ ext.MessageCancelled    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so this package does not depend on any particular
// audit system — callers inject their concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is the structured record emitted for each lifecycle hook.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges courier lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Message lifecycle hooks ─────────────────────────

// OnMessageEnqueued implements ext.MessageEnqueued.
func (e *Extension) OnMessageEnqueued(ctx context.Context, j *outbound.Job) error {
	return e.record(ctx, ActionMessageEnqueued, SeverityInfo, OutcomeSuccess,
		j.ID.String(), CategoryMessage, nil,
		"destination", j.Destination,
		"kind", string(j.Payload.Kind),
	)
}

// OnDeliveryStarted implements ext.DeliveryStarted.
func (e *Extension) OnDeliveryStarted(ctx context.Context, j *outbound.Job) error {
	return e.record(ctx, ActionDeliveryStarted, SeverityInfo, OutcomeSuccess,
		j.ID.String(), CategoryDelivery, nil,
		"destination", j.Destination,
		"kind", string(j.Payload.Kind),
		"worker_id", j.WorkerID.String(),
		"attempt", j.AttemptCount+1,
	)
}

// OnMessageDelivered implements ext.MessageDelivered.
func (e *Extension) OnMessageDelivered(ctx context.Context, j *outbound.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionMessageDelivered, SeverityInfo, OutcomeSuccess,
		j.ID.String(), CategoryMessage, nil,
		"destination", j.Destination,
		"kind", string(j.Payload.Kind),
		"attempt_count", j.AttemptCount,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnMessageThrottled implements ext.MessageThrottled. A throttle is
// expected backpressure, not a failure, so it carries info severity.
func (e *Extension) OnMessageThrottled(ctx context.Context, j *outbound.Job, retryAt time.Time) error {
	return e.record(ctx, ActionMessageThrottled, SeverityInfo, OutcomeSuccess,
		j.ID.String(), CategoryDelivery, nil,
		"destination", j.Destination,
		"retry_at", retryAt.Format(time.RFC3339),
	)
}

// OnDeliveryRetrying implements ext.DeliveryRetrying.
func (e *Extension) OnDeliveryRetrying(ctx context.Context, j *outbound.Job, attempt int, retryAt time.Time) error {
	return e.record(ctx, ActionDeliveryRetrying, SeverityWarning, OutcomeFailure,
		j.ID.String(), CategoryDelivery, nil,
		"destination", j.Destination,
		"attempt", attempt,
		"max_attempts", j.MaxAttempts,
		"retry_at", retryAt.Format(time.RFC3339),
	)
}

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (e *Extension) OnMessageDeadLettered(ctx context.Context, j *outbound.Job, deliveryErr error) error {
	return e.record(ctx, ActionMessageDeadLettered, SeverityCritical, OutcomeFailure,
		j.ID.String(), CategoryMessage, deliveryErr,
		"destination", j.Destination,
		"kind", string(j.Payload.Kind),
		"attempt_count", j.AttemptCount,
		"max_attempts", j.MaxAttempts,
	)
}

// OnMessageCancelled implements ext.MessageCancelled.
func (e *Extension) OnMessageCancelled(ctx context.Context, j *outbound.Job) error {
	return e.record(ctx, ActionMessageCancelled, SeverityInfo, OutcomeSuccess,
		j.ID.String(), CategoryMessage, nil,
		"destination", j.Destination,
		"kind", string(j.Payload.Kind),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   ResourceMessage,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
