package core

// ExecutionRequest asks the task broker to start a task execution. Triggers
// never invoke the broker directly; they publish one of these on the request
// channel so queueing and backpressure apply uniformly.
type ExecutionRequest struct {
	ExecutionID string            `json:"execution_id"`
	TaskID      string            `json:"task_id"`
	Users       []string          `json:"users,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	ChannelID   string            `json:"channel_id,omitempty"`
	ParentID    string            `json:"parent_task_execution_id,omitempty"`
}

// WorkResponse is the terminal result of a worker session. Err is non-empty
// for synthesized failures (inference error, cost ceiling, loop guard); the
// message is always well formed so write-back has something to react to.
type WorkResponse struct {
	ExecutionID string      `json:"execution_id"`
	TaskID      string      `json:"task_id"`
	WorkerID    string      `json:"worker_id"`
	Message     ChatMessage `json:"message"`
	Err         string      `json:"error,omitempty"`
}

// TrackerEvent is emitted by tracker adapters on ticket-state transitions.
type TrackerEvent struct {
	TrackerID   string            `json:"tracker_id"`
	TicketID    string            `json:"ticket_id"`
	Status      string            `json:"status"`
	ExecutionID string            `json:"task_execution_id,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// TicketReady is the tracker status that triggers task dispatch.
const TicketReady = "ready"

// ResourceEvent is emitted by resource adapters when a new version appears.
type ResourceEvent struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
}

// ChannelMessage is an inbound message event from a channel adapter.
type ChannelMessage struct {
	ChannelID   string            `json:"channel_id"`
	SenderID    string            `json:"sender_id"`
	MessageID   string            `json:"message_id"`
	Text        string            `json:"message"`
	ExecutionID string            `json:"task_execution_id,omitempty"`
	Data        map[string]string `json:"channel_message_data,omitempty"`
}

// ChangeType distinguishes outbox notifications.
type ChangeType string

// Outbox event types.
const (
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ObjectChange is one entry of the external change feed consumed by the
// reconciliation loop.
type ObjectChange struct {
	Kind      Kind       `json:"type"`
	ObjectID  string     `json:"object_id"`
	EventType ChangeType `json:"event_type"`
}
