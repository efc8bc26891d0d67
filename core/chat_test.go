package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatMessage_FindCall(t *testing.T) {
	msg := NewChatMessage(RoleWorker, "")
	msg.ToolCalls = []ToolCall{
		{ID: "1", Name: "lookup"},
		{ID: "2", Name: TaskCompleteFunction, Arguments: `{"summary":"done"}`},
	}

	call := msg.FindCall(TaskCompleteFunction)
	assert.NotNil(t, call)
	assert.Equal(t, "2", call.ID)
	assert.Nil(t, msg.FindCall("missing"))

	// FindCall returns a pointer into the message so callers can resolve in
	// place.
	call.Result = "ok"
	assert.Equal(t, "ok", msg.ToolCalls[1].Result)
}

func TestChatMessage_HasPendingCalls(t *testing.T) {
	msg := NewChatMessage(RoleWorker, "")
	assert.False(t, msg.HasPendingCalls())

	msg.ToolCalls = []ToolCall{{ID: "1", Name: "lookup"}}
	assert.True(t, msg.HasPendingCalls())

	msg.ToolCalls[0].Result = "resolved"
	assert.False(t, msg.HasPendingCalls())
}

func TestChatMessage_IsCritique(t *testing.T) {
	msg := NewChatMessage(RoleWorker, "draft")
	assert.False(t, msg.IsCritique())

	for _, sub := range []SubRole{SubRoleThought, SubRoleManager, SubRoleCritic} {
		msg.Username = sub
		assert.True(t, msg.IsCritique(), string(sub))
	}
	msg.Username = SubRoleWorker
	assert.False(t, msg.IsCritique())
}

func TestChatSession_LastMessage(t *testing.T) {
	sess := ChatSession{}
	assert.Nil(t, sess.LastMessage())

	sess.Messages = []ChatMessage{
		NewChatMessage(RoleSystem, "a"),
		NewChatMessage(RoleUser, "b"),
	}
	assert.Equal(t, "b", sess.LastMessage().Text)
}
