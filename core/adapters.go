package core

import (
	"context"

	"github.com/hupe1980/taskmesh/bus"
)

// Secret is a resolved credential from the credential store.
type Secret struct {
	ID    string            `json:"id"`
	Token string            `json:"token"`
	Extra map[string]string `json:"extra,omitempty"`
}

// CredentialStore resolves credential references from worker configuration.
type CredentialStore interface {
	GetSecret(ctx context.Context, id string) (Secret, error)
}

// MessageRequest is an outbound message to a channel adapter.
type MessageRequest struct {
	ChannelID   string `json:"channel_id"`
	ExecutionID string `json:"execution_id"`
	WorkerID    string `json:"worker_id,omitempty"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
}

// ChannelAdapter is the contract a chat transport must satisfy. Adapters are
// thin: session identity mapping, identity joins and message delivery; all
// turn-taking logic lives in the session engine.
type ChannelAdapter interface {
	Message(ctx context.Context, req MessageRequest) error
	Join(ctx context.Context, workerID string, credential Secret, displayName, executionID string) error
	Leave(ctx context.Context, workerID string) error
	EstablishSession(ctx context.Context, executionID string, origin map[string]string) error
	HandOffSession(ctx context.Context, fromID, toID string) error
	SetSessionStatus(ctx context.Context, executionID, status string) error
	CloseSession(ctx context.Context, executionID string) error

	// Events is the adapter's inbound message feed.
	Events() *bus.Channel[ChannelMessage]
}

// ToolRequest is one function invocation forwarded to a tool adapter.
type ToolRequest struct {
	ToolID      string `json:"tool_id"`
	ExecutionID string `json:"execution_id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
}

// ToolResult is the adapter's outcome for a single invocation.
type ToolResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	MachineMessage  string `json:"machine_message,omitempty"`
	MachineState    string `json:"machine_state,omitempty"`
	HumanState      string `json:"human_state,omitempty"`
	Image           []byte `json:"image,omitempty"`
	UpdateChannelID string `json:"update_channel_id,omitempty"`
}

// Text returns the best textual representation for feeding back to a worker.
func (r ToolResult) Text() string {
	if r.MachineMessage != "" {
		return r.MachineMessage
	}
	return r.Message
}

// ToolAdapter is the contract a callable capability must satisfy.
type ToolAdapter interface {
	Execute(ctx context.Context, req ToolRequest) (ToolResult, error)
	InitSession(ctx context.Context, executionID string) error
	WorkComplete(ctx context.Context, executionID string) error
	Schema() []FunctionSchema
}

// TicketUpdate mutates or creates a tracker ticket.
type TicketUpdate struct {
	TrackerID string            `json:"tracker_id"`
	TicketID  string            `json:"ticket_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Comment   string            `json:"comment,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// TrackerAdapter is the contract an external ticketing system must satisfy.
type TrackerAdapter interface {
	Create(ctx context.Context, update TicketUpdate) (string, error)
	Update(ctx context.Context, update TicketUpdate) error

	// Events is the adapter's ticket-transition feed.
	Events() *bus.Channel[TrackerEvent]
}

// ResourceAdapter is the contract a versioned shared content source must
// satisfy.
type ResourceAdapter interface {
	Fetch(ctx context.Context, version int, name string) (string, error)
	Write(ctx context.Context, name, content string) error

	// Events is the adapter's version-change feed.
	Events() *bus.Channel[ResourceEvent]
}

// DocMatch is one retrieval hit from a document repository. Lower distance
// means a closer match.
type DocMatch struct {
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
	Source   string  `json:"source,omitempty"`
}

// DocSource answers documentation queries for one repository.
type DocSource interface {
	Query(ctx context.Context, query string, limit int) ([]DocMatch, error)
}
