// Package worker implements the worker scheduling layer and the chat
// session engine. The Broker admits, queues and dispatches work orders onto
// registered workers; a session drives one order's conversation until a
// terminal message is produced and handed back to the task pipeline.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// Turn is one produced worker message plus its accounting.
type Turn struct {
	Message core.ChatMessage
	Cost    float64
	Tokens  int
}

// TurnSource produces worker turns for a session. ModelWorker adapts an
// inference model; tests plug scripted sources.
type TurnSource interface {
	// NextTurn produces the worker's next message given the transcript so
	// far. The transcript includes every message, internal sub-roles
	// included.
	NextTurn(ctx context.Context, order core.WorkOrder, transcript []core.ChatMessage) (Turn, error)
}

// ModelWorker is a TurnSource backed by an inference model.
type ModelWorker struct {
	model model.Model
}

// NewModelWorker wraps an inference model as a turn source.
func NewModelWorker(m model.Model) *ModelWorker {
	return &ModelWorker{model: m}
}

// NextTurn implements TurnSource. The work order's instruction becomes the
// system prompt; tool schemas pass through unchanged.
func (w *ModelWorker) NextTurn(ctx context.Context, order core.WorkOrder, transcript []core.ChatMessage) (Turn, error) {
	resp, err := w.model.Generate(ctx, model.Request{
		Instruction: order.Instruction,
		Messages:    transcript,
		Tools:       order.Tools,
		Metadata: map[string]string{
			"execution_id": order.ExecutionID,
			"task_id":      order.TaskID,
		},
	})
	if err != nil {
		return Turn{}, fmt.Errorf("generate turn: %w", err)
	}

	msg := core.NewChatMessage(core.RoleWorker, resp.Text)
	msg.ToolCalls = resp.ToolCalls
	msg.Done = resp.Done
	msg.Cost = resp.Cost
	msg.Tokens = resp.Usage.TotalTokens
	return Turn{Message: msg, Cost: resp.Cost, Tokens: resp.Usage.TotalTokens}, nil
}

// TurnSourceFactory builds the turn source for one worker configuration.
// The default factory maps the worker's provider hint onto a model adapter;
// tests substitute scripted sources.
type TurnSourceFactory func(cfg core.WorkerConfig) (TurnSource, error)

// completionMessage synthesizes a terminal message carrying a task_complete
// call with an error payload. Every failure path in the session engine and
// the scheduler funnels through here so write-back always has a well formed
// terminal message to react to.
func completionMessage(reason string) core.ChatMessage {
	msg := core.NewChatMessage(core.RoleWorker, "")
	msg.Done = true
	msg.ToolCalls = []core.ToolCall{{
		ID:        msg.ID,
		Name:      core.TaskCompleteFunction,
		Arguments: fmt.Sprintf(`{"error":%q}`, reason),
	}}
	return msg
}

// availability scores one worker; capacity must be positive, zero-capacity
// workers are filtered out before scoring. Workers under their in-progress
// capacity score by free capacity; saturated workers go negative by queue
// depth scaled down by capacity, so the shortest queue relative to
// throughput wins.
func availability(capacity, inProgress, queued int) float64 {
	if inProgress < capacity {
		return float64(capacity - inProgress)
	}
	return float64(capacity-inProgress) - float64(queued)/float64(capacity)
}

// loopDetected inspects the trailing window of a transcript for the two
// stall shapes worth aborting on: one text repeated often, or the last two
// turns echoing the two before them.
func loopDetected(messages []core.ChatMessage) bool {
	const window = 20
	const repeatLimit = 10

	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}

	counts := map[string]int{}
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		counts[text]++
		if counts[text] >= repeatLimit {
			return true
		}
	}

	if len(messages) >= 4 {
		n := len(messages)
		if sameTurn(messages[n-2], messages[n-4]) && sameTurn(messages[n-1], messages[n-3]) {
			return true
		}
	}
	return false
}

func sameTurn(a, b core.ChatMessage) bool {
	return a.Role == b.Role && strings.TrimSpace(a.Text) != "" &&
		strings.TrimSpace(a.Text) == strings.TrimSpace(b.Text)
}

func nowUTC() time.Time { return time.Now().UTC() }
