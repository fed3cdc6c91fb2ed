package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionMessageEnqueued     = "message.enqueued"
	ActionDeliveryStarted     = "delivery.started"
	ActionMessageDelivered    = "message.delivered"
	ActionMessageThrottled    = "message.throttled"
	ActionDeliveryRetrying    = "delivery.retrying"
	ActionMessageDeadLettered = "message.dead_lettered"
	ActionMessageCancelled    = "message.cancelled"
)

// Audit event categories group related actions.
const (
	CategoryMessage  = "courier.message"
	CategoryDelivery = "courier.delivery"
)

// ResourceMessage is the Resource field of every event this extension
// emits: the audited entity is always an outbound message.
const ResourceMessage = "message"

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionMessageEnqueued,
		ActionDeliveryStarted,
		ActionMessageDelivered,
		ActionMessageThrottled,
		ActionDeliveryRetrying,
		ActionMessageDeadLettered,
		ActionMessageCancelled,
	}
}
