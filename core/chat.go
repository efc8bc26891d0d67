package core

import (
	"time"

	"github.com/google/uuid"
)

// Role is the speaker role of a chat message.
type Role string

// Chat message roles.
const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleWorker Role = "worker"
	RoleTool   Role = "tool"
)

// SubRole refines a worker message when critique mode is enabled. Messages
// tagged critic, thought or manager never leave the session.
type SubRole string

// Worker sub-roles.
const (
	SubRoleWorker  SubRole = "worker"
	SubRoleCritic  SubRole = "critic"
	SubRoleThought SubRole = "thought"
	SubRoleManager SubRole = "manager"
)

// TaskCompleteFunction is the synthetic terminal function injected into every
// task's callable schema. A worker message carrying a call to it ends the
// session and drives tracker/resource write-back.
const TaskCompleteFunction = "task_complete"

// SubtaskSummaryArg is the completion argument a subtask's summary is read
// from before folding the result into the parent conversation.
const SubtaskSummaryArg = "summary"

// DocQueryFunction is the built-in function resolved against configured
// document repositories rather than the tool broker.
const DocQueryFunction = "query_documentation"

// ToolCall is a single function invocation requested by a worker message.
// Arguments and Result are raw JSON / text; the engine treats them opaquely.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// ChatMessage is one turn in a chat session. Messages are append-only and
// ordered by timestamp; re-delivery of an id already present is a no-op.
type ChatMessage struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Username  SubRole    `json:"username,omitempty"` // only set in critique mode
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`
	State     string     `json:"state,omitempty"`
	Cost      float64    `json:"cost,omitempty"`
	Tokens    int        `json:"tokens,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewChatMessage constructs a message with a fresh id and UTC timestamp.
func NewChatMessage(role Role, text string) ChatMessage {
	return ChatMessage{ID: uuid.NewString(), Role: role, Text: text, Timestamp: time.Now().UTC()}
}

// FindCall returns the first tool call with the given function name, or nil.
func (m *ChatMessage) FindCall(name string) *ToolCall {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].Name == name {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// HasPendingCalls reports whether any tool call still lacks a result.
func (m *ChatMessage) HasPendingCalls() bool {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].Result == "" {
			return true
		}
	}
	return false
}

// IsCritique reports whether the message belongs to the internal critique
// detour and must be filtered from outward delivery.
func (m *ChatMessage) IsCritique() bool {
	switch m.Username {
	case SubRoleCritic, SubRoleThought, SubRoleManager:
		return true
	default:
		return false
	}
}

// ChatSession is the ordered transcript of one task execution on a channel.
type ChatSession struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"task_execution_id"`
	ChannelID   string        `json:"channel_id,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Created     time.Time     `json:"created"`
	Updated     time.Time     `json:"updated"`
}

// LastMessage returns the most recent message, or nil for an empty session.
func (s *ChatSession) LastMessage() *ChatMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}
