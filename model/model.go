// Package model defines the inference contract used by model-backed
// workers and a deterministic mock for tests. Provider adapters live in the
// openai and anthropic subpackages.
package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/core"
)

// Request is the normalized input for one worker turn.
type Request struct {
	Instruction string                `json:"instruction,omitempty"`
	Messages    []core.ChatMessage    `json:"messages"`
	Tools       []core.FunctionSchema `json:"tools,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

// Usage captures token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider's completed turn.
type Response struct {
	Text      string          `json:"text,omitempty"`
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
	Done      bool            `json:"done"`
	Usage     Usage           `json:"usage"`
	Cost      float64         `json:"cost"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface a worker needs to produce turns.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Info() Info
}

// MockModel is a deterministic in-memory Model for tests. Responses are
// registered per user-message text and replayed in order of lookup.
type MockModel struct {
	info      Info
	responses map[string]Response
	fallback  func(req Request) Response
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock", SupportsTools: true},
		responses: map[string]Response{},
	}
}

// AddResponse registers a canned response for an input message text.
func (m *MockModel) AddResponse(input string, resp Response) { m.responses[input] = resp }

// SetFallback registers a response function for unmatched inputs.
func (m *MockModel) SetFallback(fn func(req Request) Response) { m.fallback = fn }

// Generate implements Model.
func (m *MockModel) Generate(_ context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("mock model: no messages provided")
	}
	last := req.Messages[len(req.Messages)-1]
	if resp, ok := m.responses[last.Text]; ok {
		return resp, nil
	}
	if m.fallback != nil {
		return m.fallback(req), nil
	}
	return Response{Text: "Mock response to: " + last.Text, Done: true}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
