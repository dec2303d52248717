package bus

// Connection lifecycle topics.
const (
	TopicConnectionOpened = "relay.connection.opened"
	TopicConnectionClosed = "relay.connection.closed"
)

// Pending request topics. Exactly one of resolved, failed or timeout is published
// per registered request.
const (
	TopicPendingRegistered = "relay.pending.registered"
	TopicPendingResolved   = "relay.pending.resolved"
	TopicPendingFailed     = "relay.pending.failed"
	TopicPendingTimeout    = "relay.pending.timeout"
)

// Task queue topics.
const (
	TopicTaskDispatched = "relay.task.dispatched"
	TopicTaskLeased     = "relay.task.leased"
	TopicTaskAcked      = "relay.task.acked"
)

// ConnectionEvent is published when a connection joins or leaves the registry.
type ConnectionEvent struct {
	ConnID   string
	TenantID string
	Role     string
}

// PendingEvent is published on every pending request state change.
type PendingEvent struct {
	TaskID   string
	TenantID string
	Kind     string
	Code     string // error code for failed and timeout
}

// TaskEvent is published when tasks enter or leave the queue.
type TaskEvent struct {
	TenantID string
	TaskIDs  []string
}
