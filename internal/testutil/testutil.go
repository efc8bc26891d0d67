// Package testutil provides in-memory adapters and scripted workers for
// exercising the engine without external systems.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/worker"
)

// ChannelAdapter is an in-memory channel transport recording everything the
// engine does to it.
type ChannelAdapter struct {
	events *bus.Channel[core.ChannelMessage]

	mu       sync.Mutex
	Sent     []core.MessageRequest
	Joined   []string
	Sessions map[string]string // execution id -> status
}

var _ core.ChannelAdapter = (*ChannelAdapter)(nil)

// NewChannelAdapter creates an empty recording adapter.
func NewChannelAdapter(channelID string) *ChannelAdapter {
	return &ChannelAdapter{
		events:   bus.NewChannel[core.ChannelMessage]("test.channel."+channelID, bus.ModeInProcess),
		Sessions: map[string]string{},
	}
}

// Message implements core.ChannelAdapter.
func (a *ChannelAdapter) Message(_ context.Context, req core.MessageRequest) error {
	a.mu.Lock()
	a.Sent = append(a.Sent, req)
	a.mu.Unlock()
	return nil
}

// Join implements core.ChannelAdapter.
func (a *ChannelAdapter) Join(_ context.Context, workerID string, credential core.Secret, _, _ string) error {
	if credential.Token == "" {
		return fmt.Errorf("empty credential for worker %s", workerID)
	}
	a.mu.Lock()
	a.Joined = append(a.Joined, workerID)
	a.mu.Unlock()
	return nil
}

// Leave implements core.ChannelAdapter.
func (a *ChannelAdapter) Leave(context.Context, string) error { return nil }

// EstablishSession implements core.ChannelAdapter.
func (a *ChannelAdapter) EstablishSession(_ context.Context, executionID string, _ map[string]string) error {
	a.mu.Lock()
	a.Sessions[executionID] = "open"
	a.mu.Unlock()
	return nil
}

// HandOffSession implements core.ChannelAdapter.
func (a *ChannelAdapter) HandOffSession(_ context.Context, fromID, toID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.Sessions[fromID]
	if !ok {
		return fmt.Errorf("no session for %s", fromID)
	}
	delete(a.Sessions, fromID)
	a.Sessions[toID] = status
	return nil
}

// SetSessionStatus implements core.ChannelAdapter.
func (a *ChannelAdapter) SetSessionStatus(_ context.Context, executionID, status string) error {
	a.mu.Lock()
	a.Sessions[executionID] = status
	a.mu.Unlock()
	return nil
}

// CloseSession implements core.ChannelAdapter.
func (a *ChannelAdapter) CloseSession(_ context.Context, executionID string) error {
	a.mu.Lock()
	delete(a.Sessions, executionID)
	a.mu.Unlock()
	return nil
}

// Events implements core.ChannelAdapter.
func (a *ChannelAdapter) Events() *bus.Channel[core.ChannelMessage] { return a.events }

// Inject publishes an inbound message as if a human sent it.
func (a *ChannelAdapter) Inject(msg core.ChannelMessage) { _ = a.events.Publish(msg) }

// SentTexts returns the delivered message texts in order.
func (a *ChannelAdapter) SentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Sent))
	for i, req := range a.Sent {
		out[i] = req.Text
	}
	return out
}

// SessionStatus returns the recorded status for an execution.
func (a *ChannelAdapter) SessionStatus(executionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.Sessions[executionID]
	return status, ok
}

// ToolAdapter is a scripted tool backend keyed by function name.
type ToolAdapter struct {
	schemas []core.FunctionSchema
	results map[string]core.ToolResult

	mu    sync.Mutex
	Calls []core.ToolRequest
}

var _ core.ToolAdapter = (*ToolAdapter)(nil)

// NewToolAdapter scripts a tool exposing the given functions.
func NewToolAdapter(schemas ...core.FunctionSchema) *ToolAdapter {
	return &ToolAdapter{schemas: schemas, results: map[string]core.ToolResult{}}
}

// SetResult scripts the outcome of one function.
func (a *ToolAdapter) SetResult(name string, result core.ToolResult) { a.results[name] = result }

// Execute implements core.ToolAdapter.
func (a *ToolAdapter) Execute(_ context.Context, req core.ToolRequest) (core.ToolResult, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, req)
	a.mu.Unlock()

	if result, ok := a.results[req.Name]; ok {
		return result, nil
	}
	return core.ToolResult{Success: true, Message: "ok"}, nil
}

// InitSession implements core.ToolAdapter.
func (a *ToolAdapter) InitSession(context.Context, string) error { return nil }

// WorkComplete implements core.ToolAdapter.
func (a *ToolAdapter) WorkComplete(context.Context, string) error { return nil }

// Schema implements core.ToolAdapter.
func (a *ToolAdapter) Schema() []core.FunctionSchema { return a.schemas }

// TrackerAdapter is an in-memory ticket system.
type TrackerAdapter struct {
	trackerID string
	events    *bus.Channel[core.TrackerEvent]

	mu      sync.Mutex
	seq     int
	Tickets map[string]core.TicketUpdate
	Updates []core.TicketUpdate
}

var _ core.TrackerAdapter = (*TrackerAdapter)(nil)

// NewTrackerAdapter creates an empty in-memory tracker.
func NewTrackerAdapter(trackerID string) *TrackerAdapter {
	return &TrackerAdapter{
		trackerID: trackerID,
		events:    bus.NewChannel[core.TrackerEvent]("test.tracker."+trackerID, bus.ModeInProcess),
		Tickets:   map[string]core.TicketUpdate{},
	}
}

// Create implements core.TrackerAdapter.
func (a *TrackerAdapter) Create(_ context.Context, update core.TicketUpdate) (string, error) {
	a.mu.Lock()
	a.seq++
	id := fmt.Sprintf("T-%d", a.seq)
	update.TicketID = id
	a.Tickets[id] = update
	a.Updates = append(a.Updates, update)
	a.mu.Unlock()
	return id, nil
}

// Update implements core.TrackerAdapter.
func (a *TrackerAdapter) Update(_ context.Context, update core.TicketUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.Tickets[update.TicketID]; !ok {
		return fmt.Errorf("ticket %s not found", update.TicketID)
	}
	a.Tickets[update.TicketID] = update
	a.Updates = append(a.Updates, update)
	return nil
}

// Events implements core.TrackerAdapter.
func (a *TrackerAdapter) Events() *bus.Channel[core.TrackerEvent] { return a.events }

// Transition publishes a ticket-state event as if the external system moved
// the ticket.
func (a *TrackerAdapter) Transition(ticketID, status string, data map[string]string) {
	_ = a.events.Publish(core.TrackerEvent{
		TrackerID: a.trackerID,
		TicketID:  ticketID,
		Status:    status,
		Data:      data,
	})
}

// StatusHistory returns the statuses recorded for one ticket, in order.
func (a *TrackerAdapter) StatusHistory(ticketID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, u := range a.Updates {
		if u.TicketID == ticketID {
			out = append(out, u.Status)
		}
	}
	return out
}

// DocSource answers documentation queries from a fixed corpus.
type DocSource struct {
	Name    string
	Matches []core.DocMatch
}

var _ core.DocSource = (*DocSource)(nil)

// Query implements core.DocSource.
func (s *DocSource) Query(_ context.Context, _ string, limit int) ([]core.DocMatch, error) {
	if limit > len(s.Matches) {
		limit = len(s.Matches)
	}
	return s.Matches[:limit], nil
}

// ScriptedWorker is a worker.TurnSource replaying a fixed list of turns.
type ScriptedWorker struct {
	mu    sync.Mutex
	turns []worker.Turn
	pos   int
}

var _ worker.TurnSource = (*ScriptedWorker)(nil)

// NewScriptedWorker scripts the turns a session will produce in order. The
// last turn repeats once the script is exhausted.
func NewScriptedWorker(turns ...worker.Turn) *ScriptedWorker {
	return &ScriptedWorker{turns: turns}
}

// NextTurn implements worker.TurnSource.
func (w *ScriptedWorker) NextTurn(context.Context, core.WorkOrder, []core.ChatMessage) (worker.Turn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return worker.Turn{}, fmt.Errorf("scripted worker has no turns")
	}
	turn := w.turns[w.pos]
	if w.pos < len(w.turns)-1 {
		w.pos++
	}
	// Fresh ids per replay keep append-only transcripts growing.
	msg := core.NewChatMessage(turn.Message.Role, turn.Message.Text)
	msg.ToolCalls = append([]core.ToolCall(nil), turn.Message.ToolCalls...)
	msg.Done = turn.Message.Done
	turn.Message = msg
	return turn, nil
}

// WorkerTurn builds a plain text turn.
func WorkerTurn(text string, done bool, cost float64) worker.Turn {
	msg := core.NewChatMessage(core.RoleWorker, text)
	msg.Done = done
	return worker.Turn{Message: msg, Cost: cost, Tokens: 10}
}

// CallTurn builds a turn invoking one function.
func CallTurn(name, arguments string, cost float64) worker.Turn {
	msg := core.NewChatMessage(core.RoleWorker, "")
	msg.ToolCalls = []core.ToolCall{{ID: msg.ID, Name: name, Arguments: arguments}}
	return worker.Turn{Message: msg, Cost: cost, Tokens: 10}
}

// CompleteTurn builds a terminal task_complete turn.
func CompleteTurn(arguments string, cost float64) worker.Turn {
	msg := core.NewChatMessage(core.RoleWorker, "")
	msg.Done = true
	msg.ToolCalls = []core.ToolCall{{ID: msg.ID, Name: core.TaskCompleteFunction, Arguments: arguments}}
	return worker.Turn{Message: msg, Cost: cost, Tokens: 10}
}

// Secrets is a fixed-map credential store.
type Secrets map[string]core.Secret

var _ core.CredentialStore = Secrets{}

// GetSecret implements core.CredentialStore.
func (s Secrets) GetSecret(_ context.Context, id string) (core.Secret, error) {
	secret, ok := s[id]
	if !ok {
		return core.Secret{}, fmt.Errorf("secret %s: %w", id, core.ErrNotFound)
	}
	return secret, nil
}
