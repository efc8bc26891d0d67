// Package anthropic adapts the Anthropic Messages API (including tool use)
// to the model.Model interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string

	// CostPerToken converts total token usage into the engine's cost units.
	CostPerToken float64
}

// Model wraps the Anthropic Messages API behind model.Model.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:        anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:  0.7,
		MaxTokens:    4096,
		CostPerToken: 0.000009,
	}
}

// New creates an adapter using the official client.
func New(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements model.Model with a single non-streaming call.
func (m *Model) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}
	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	out := model.Response{
		Done: resp.StopReason == anthropic.StopReasonEndTurn || resp.StopReason == anthropic.StopReasonToolUse,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	out.Cost = float64(out.Usage.TotalTokens) * m.opts.CostPerToken
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if raw, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic", SupportsTools: true}
}

// systemBlocks collects the instruction and any system-role messages.
func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instruction != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instruction})
	}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem && msg.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: msg.Text})
		}
	}
	return blocks
}

// buildMessages converts chat history to Anthropic messages. Tool results
// become user-side tool_result blocks per the Messages API convention.
func buildMessages(msgs []core.ChatMessage) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		case core.RoleWorker:
			var content []anthropic.ContentBlockParamUnion
			if msg.Text != "" {
				content = append(content, anthropic.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if tc.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Arguments), &input)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case core.RoleTool:
			var content []anthropic.ContentBlockParamUnion
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" {
					continue
				}
				content = append(content, anthropic.NewToolResultBlock(tc.ID, tc.Result, false))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewUserMessage(content...))
			}
		}
	}
	return messages
}

func buildTools(schemas []core.FunctionSchema) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := s.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch required := s.Parameters["required"].(type) {
		case []string:
			schema.Required = required
		case []any:
			for _, r := range required {
				if str, ok := r.(string); ok {
					schema.Required = append(schema.Required, str)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(s.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
