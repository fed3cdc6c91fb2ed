package redis

// Redis key naming conventions for courier data.
// All keys are prefixed with "courier:" to avoid collisions.

const keyPrefix = "courier:"

// ── Message keys ──

// msgKey returns the key for a message entity: courier:msg:{id}
func msgKey(id string) string { return keyPrefix + "msg:" + id }

// pendingKey returns the per-destination pending Sorted Set:
// courier:pending:{destination}. All members score 0, so Redis orders
// them lexicographically — which for K-sortable message IDs is enqueue
// order.
func pendingKey(destination string) string { return keyPrefix + "pending:" + destination }

// msgIDsKey is the Set tracking all message IDs for enumeration.
const msgIDsKey = keyPrefix + "msg_ids"

// destsKey is the Set of destinations that have pending messages.
const destsKey = keyPrefix + "dests"

// inFlightDestsKey is the Set of destinations with an in-flight message.
// Membership here is what enforces one attempt per destination at a time.
const inFlightDestsKey = keyPrefix + "inflight_dests"

// inFlightMsgsKey is the Sorted Set of in-flight message IDs scored by
// last heartbeat (unix milli); the reaper scans it by score.
const inFlightMsgsKey = keyPrefix + "inflight_msgs"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: courier:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── Event keys ──

// eventKey returns the key for an event entity: courier:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// eventStreamKey returns the Stream key for an event name: courier:events:{name}
func eventStreamKey(name string) string { return keyPrefix + "events:" + name }
