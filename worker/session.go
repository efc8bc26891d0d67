package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// DefaultCostLimit bounds a session's accumulated inference cost when the
// task configuration does not set one.
const DefaultCostLimit = 1.0

// session drives one work order's conversation to a terminal message. It is
// the only writer of its chat session while active; inbound channel traffic
// reaches it through the inbox.
type session struct {
	order    core.WorkOrder
	workerID string
	source   TurnSource

	store   core.Store
	manager *registry.Manager
	logger  logging.Logger

	inbox    chan core.ChannelMessage
	cancelIn func()
}

func newSession(order core.WorkOrder, workerID string, source TurnSource, store core.Store, manager *registry.Manager, logger logging.Logger) *session {
	return &session{
		order:    order,
		workerID: workerID,
		source:   source,
		store:    store,
		manager:  manager,
		logger:   logging.OrNoOp(logger),
		inbox:    make(chan core.ChannelMessage, 16),
	}
}

// listen wires the session to its channel's inbound feed, filtered to this
// execution. Must be called before run and undone via stopListening.
func (s *session) listen() {
	channels, err := s.manager.Channels()
	if err != nil || s.order.ChannelID == "" {
		return
	}
	events, ok := channels.Events(s.order.ChannelID)
	if !ok {
		return
	}
	s.cancelIn = events.SubscribeFunc(func(msg core.ChannelMessage) {
		if msg.ExecutionID != s.order.ExecutionID {
			return
		}
		select {
		case s.inbox <- msg:
		default:
			s.logger.Warn("session inbox full, dropping message",
				"execution_id", s.order.ExecutionID, "message_id", msg.MessageID)
		}
	})
}

func (s *session) stopListening() {
	if s.cancelIn != nil {
		s.cancelIn()
		s.cancelIn = nil
	}
}

// run executes the turn-taking loop until a terminal message appears. The
// returned response is always well formed; failures are folded into a
// synthesized task_complete message with an error payload.
func (s *session) run(ctx context.Context) core.WorkResponse {
	defer s.stopListening()

	for {
		if err := ctx.Err(); err != nil {
			return s.fail("aborted", true)
		}

		sess, err := s.store.ChatSessionByExecution(ctx, s.order.ExecutionID)
		if err != nil {
			return s.fail(fmt.Sprintf("load chat session: %v", err), false)
		}

		last := sess.LastMessage()
		switch {
		case last == nil:
			return s.fail("chat session has no seed messages", false)

		case last.Role == core.RoleWorker && last.HasPendingCalls():
			if resp, done := s.resolveCalls(ctx, sess.ID, *last); done {
				return resp
			}

		case last.Role == core.RoleWorker && last.Done:
			return s.finish(*last)

		case last.Role == core.RoleWorker && !s.awaitsWorker(*last):
			// Plain worker question with no calls: wait for the human.
			if resp, done := s.awaitUser(ctx); done {
				return resp
			}

		default:
			if resp, done := s.turn(ctx, sess); done {
				return resp
			}
		}
	}
}

// awaitsWorker reports whether the conversation owes the worker another turn
// after msg. In critique mode internal sub-role messages chain directly into
// the next persona's turn.
func (s *session) awaitsWorker(msg core.ChatMessage) bool {
	if !s.order.Critique {
		return false
	}
	switch msg.Username {
	case core.SubRoleThought, core.SubRoleManager, core.SubRoleCritic:
		return true
	default:
		return false
	}
}

// turn produces the next worker message, applies the cost ceiling and loop
// guard, persists and delivers it.
func (s *session) turn(ctx context.Context, sess core.ChatSession) (core.WorkResponse, bool) {
	sub := s.nextSubRole(sess)

	transcript := sess.Messages
	if sub != "" && sub != core.SubRoleWorker {
		steer := core.NewChatMessage(core.RoleSystem, personaPrompt(sub))
		transcript = append(append([]core.ChatMessage(nil), transcript...), steer)
	}

	turn, err := s.source.NextTurn(ctx, s.order, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail("aborted", true), true
		}
		return s.fail(fmt.Sprintf("inference failed: %v", err), false), true
	}

	msg := turn.Message
	if s.order.Critique {
		msg.Username = sub
	}

	if over, resp := s.chargeCost(ctx, turn); over {
		return resp, true
	}

	if msg.Done && strings.TrimSpace(msg.Text) == "" && len(msg.ToolCalls) == 0 {
		return s.fail("worker completed with an empty message", false), true
	}

	if err := s.store.AppendChatMessage(ctx, sess.ID, msg); err != nil {
		return s.fail(fmt.Sprintf("persist worker message: %v", err), false), true
	}

	if loopDetected(append(sess.Messages, msg)) {
		return s.fail("conversation loop detected", false), true
	}

	s.deliver(ctx, msg)
	return core.WorkResponse{}, false
}

// nextSubRole decides which persona speaks next in critique mode. The cycle
// is thought, manager, critic; a critic verdict containing "good" releases
// the outward-facing worker turn, anything else restarts the cycle.
func (s *session) nextSubRole(sess core.ChatSession) core.SubRole {
	if !s.order.Critique {
		return ""
	}
	last := sess.LastMessage()
	if last == nil || last.Role != core.RoleWorker {
		return core.SubRoleThought
	}
	switch last.Username {
	case core.SubRoleThought:
		return core.SubRoleManager
	case core.SubRoleManager:
		return core.SubRoleCritic
	case core.SubRoleCritic:
		if strings.Contains(strings.ToLower(last.Text), "good") {
			return core.SubRoleWorker
		}
		return core.SubRoleThought
	default:
		return core.SubRoleThought
	}
}

func personaPrompt(sub core.SubRole) string {
	switch sub {
	case core.SubRoleThought:
		return "Think step by step about how to respond. Reply with your private reasoning only; it will not be shown to the user."
	case core.SubRoleManager:
		return "Act as the manager. Review the previous reasoning and draft the response the worker should give."
	case core.SubRoleCritic:
		return "Act as the critic. Judge the drafted response. Answer with 'good' if it should be sent, otherwise explain what must change."
	default:
		return "Write the final response to the user based on the approved draft."
	}
}

// chargeCost folds a turn's accounting into the work request and enforces
// the session cost ceiling. Exceeding the ceiling tears the channel session
// down before failing.
func (s *session) chargeCost(ctx context.Context, turn Turn) (bool, core.WorkResponse) {
	wr, err := s.store.GetWorkRequest(ctx, s.order.ExecutionID)
	if err != nil {
		return true, s.fail(fmt.Sprintf("load work request: %v", err), false)
	}
	wr.Cost += turn.Cost
	wr.Tokens += turn.Tokens
	if err := s.store.UpdateWorkRequest(ctx, wr); err != nil {
		return true, s.fail(fmt.Sprintf("update work request: %v", err), false)
	}

	limit := s.order.CostLimit
	if limit <= 0 {
		limit = DefaultCostLimit
	}
	if wr.Cost > limit {
		if channels, err := s.manager.Channels(); err == nil && s.order.ChannelID != "" {
			if err := channels.CloseSession(ctx, s.order.ChannelID, s.order.ExecutionID); err != nil {
				s.logger.Warn("close session after cost ceiling", "error", err)
			}
		}
		return true, s.fail(fmt.Sprintf("cost limit exceeded: %.4f > %.4f", wr.Cost, limit), false)
	}
	return false, core.WorkResponse{}
}

// deliver sends an outward-facing worker message to the channel. Internal
// critique messages and empty texts never leave the session.
func (s *session) deliver(ctx context.Context, msg core.ChatMessage) {
	if msg.IsCritique() || strings.TrimSpace(msg.Text) == "" || s.order.ChannelID == "" {
		return
	}
	channels, err := s.manager.Channels()
	if err != nil {
		return
	}
	err = channels.Message(ctx, core.MessageRequest{
		ChannelID:   s.order.ChannelID,
		ExecutionID: s.order.ExecutionID,
		WorkerID:    s.workerID,
		Text:        msg.Text,
		Final:       msg.Done,
	})
	if err != nil {
		s.logger.Warn("deliver worker message", "channel_id", s.order.ChannelID, "error", err)
	}
}

// resolveCalls executes the pending tool calls of a worker message. Subtask
// calls are delegated to the task pipeline first, then the documentation
// query builtin, then the tool broker. Results are appended as one tool
// message; a task_complete call ends the session after the others resolve.
func (s *session) resolveCalls(ctx context.Context, sessionID string, msg core.ChatMessage) (core.WorkResponse, bool) {
	if tasks, err := s.manager.Tasks(); err == nil {
		if err := tasks.Delegate(ctx, s.order.ExecutionID, s.order.ChannelID, &msg); err != nil {
			return s.fail(fmt.Sprintf("delegate subtasks: %v", err), false), true
		}
	}

	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		if call.Result != "" || call.Name == core.TaskCompleteFunction {
			continue
		}
		call.Result = s.executeCall(ctx, *call)
	}

	if terminal := msg.FindCall(core.TaskCompleteFunction); terminal != nil {
		return s.finish(msg), true
	}

	toolMsg := core.NewChatMessage(core.RoleTool, "")
	toolMsg.ToolCalls = msg.ToolCalls
	if err := s.store.AppendChatMessage(ctx, sessionID, toolMsg); err != nil {
		return s.fail(fmt.Sprintf("persist tool message: %v", err), false), true
	}
	return core.WorkResponse{}, false
}

func (s *session) executeCall(ctx context.Context, call core.ToolCall) string {
	if call.Name == core.DocQueryFunction {
		docs, err := s.manager.DocRepos()
		if err != nil {
			return fmt.Sprintf("documentation unavailable: %v", err)
		}
		match, err := docs.Query(ctx, gjson.Get(call.Arguments, "query").String())
		if err != nil {
			return fmt.Sprintf("documentation lookup failed: %v", err)
		}
		return match.Text
	}

	tools, err := s.manager.Tools()
	if err != nil {
		return fmt.Sprintf("tool %s unavailable: %v", call.Name, err)
	}
	result, err := tools.Execute(ctx, core.ToolRequest{
		ExecutionID: s.order.ExecutionID,
		Name:        call.Name,
		Arguments:   call.Arguments,
	})
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	if result.UpdateChannelID != "" {
		s.switchChannel(ctx, result.UpdateChannelID)
	}
	return result.Text()
}

// switchChannel moves the session's conversation to another channel mid-run.
func (s *session) switchChannel(ctx context.Context, channelID string) {
	channels, err := s.manager.Channels()
	if err != nil || channelID == s.order.ChannelID {
		return
	}
	if err := channels.HandOffSession(ctx, channelID, s.order.ChannelID, channelID); err != nil {
		s.logger.Warn("switch channel", "from", s.order.ChannelID, "to", channelID, "error", err)
		return
	}
	s.stopListening()
	s.order.ChannelID = channelID
	s.listen()
}

// awaitUser blocks until the human replies on the channel or the session is
// aborted. The inbound message is persisted as a user turn and its sender
// recorded as an execution participant.
func (s *session) awaitUser(ctx context.Context) (core.WorkResponse, bool) {
	select {
	case <-ctx.Done():
		return s.fail("aborted", true), true
	case in := <-s.inbox:
		sess, err := s.store.ChatSessionByExecution(ctx, s.order.ExecutionID)
		if err != nil {
			return s.fail(fmt.Sprintf("load chat session: %v", err), false), true
		}
		msg := core.NewChatMessage(core.RoleUser, in.Text)
		if in.MessageID != "" {
			msg.ID = in.MessageID
		}
		if err := s.store.AppendChatMessage(ctx, sess.ID, msg); err != nil {
			return s.fail(fmt.Sprintf("persist user message: %v", err), false), true
		}
		if in.SenderID != "" {
			if err := s.store.EnsureExecutionUser(ctx, s.order.ExecutionID, in.SenderID); err != nil {
				s.logger.Warn("record execution user", "user", in.SenderID, "error", err)
			}
		}
		return core.WorkResponse{}, false
	}
}

// finish wraps a terminal worker message into the response handed back to
// the task pipeline.
func (s *session) finish(msg core.ChatMessage) core.WorkResponse {
	return core.WorkResponse{
		ExecutionID: s.order.ExecutionID,
		TaskID:      s.order.TaskID,
		WorkerID:    s.workerID,
		Message:     msg,
	}
}

// fail synthesizes a terminal failure response.
func (s *session) fail(reason string, cancelled bool) core.WorkResponse {
	msg := completionMessage(reason)
	msg.Cancelled = cancelled
	s.logger.Warn("session failed", "execution_id", s.order.ExecutionID, "reason", reason)
	return core.WorkResponse{
		ExecutionID: s.order.ExecutionID,
		TaskID:      s.order.TaskID,
		WorkerID:    s.workerID,
		Message:     msg,
		Err:         reason,
	}
}
