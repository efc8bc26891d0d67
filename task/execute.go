package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/taskmesh/core"
)

// Execute bootstraps one task execution: persist the record, prepare the
// channel session, seed the chat transcript and dispatch the work order.
// Any bootstrap failure marks the execution failed and unwinds the external
// state already prepared.
func (b *Broker) Execute(ctx context.Context, req core.ExecutionRequest) error {
	cfg, ok := b.reg.Get(req.TaskID)
	if !ok {
		return fmt.Errorf("task %s not registered", req.TaskID)
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = cfg.DefaultChannel
	}

	inputs := make(map[string]string, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	b.resolveResourceInputs(ctx, inputs)

	now := nowUTC()
	exec := core.TaskExecution{
		ID:       execID,
		TaskID:   cfg.ID,
		OrgID:    cfg.OrgID,
		Users:    req.Users,
		Status:   core.ExecutionStarted,
		Inputs:   inputs,
		ParentID: req.ParentID,
		Created:  now,
		Updated:  now,
	}
	if err := b.store.CreateTaskExecution(ctx, exec); err != nil {
		return fmt.Errorf("create task execution: %w", err)
	}
	for _, user := range req.Users {
		if err := b.store.EnsureExecutionUser(ctx, execID, user); err != nil {
			b.logger.Warn("record execution user", "user", user, "error", err)
		}
	}
	b.opts.Meter.ExecutionStarted()
	b.logger.Info("execution started", "execution_id", execID, "task_id", cfg.ID)

	b.updateTicket(ctx, cfg, inputs, "in-progress", "")

	if channelID != "" {
		channels, err := b.manager.Channels()
		if err != nil {
			return b.failExecution(ctx, exec, channelID, fmt.Sprintf("no channel broker: %v", err))
		}
		if err := channels.EstablishSession(ctx, channelID, execID, inputs); err != nil {
			return b.failExecution(ctx, exec, channelID, fmt.Sprintf("establish channel session: %v", err))
		}
	}

	schemas, err := b.buildSchemas(cfg)
	if err != nil {
		return b.failExecution(ctx, exec, channelID, fmt.Sprintf("build function schemas: %v", err))
	}

	instruction := cfg.Variable("instruction")
	if instruction == "" {
		instruction = "You are working on the task " + cfg.Name + ". Use the provided functions and call " +
			core.TaskCompleteFunction + " when you are finished."
	}

	sess := core.ChatSession{
		ID:          uuid.NewString(),
		ExecutionID: execID,
		ChannelID:   channelID,
		Messages: []core.ChatMessage{
			core.NewChatMessage(core.RoleSystem, instruction),
			core.NewChatMessage(core.RoleUser, seedText(inputs)),
		},
		Created: now,
		Updated: now,
	}
	if err := b.store.CreateChatSession(ctx, sess); err != nil {
		return b.failExecution(ctx, exec, channelID, fmt.Sprintf("create chat session: %v", err))
	}

	workers, err := b.manager.Workers()
	if err != nil {
		return b.failExecution(ctx, exec, channelID, fmt.Sprintf("no worker broker: %v", err))
	}
	order := core.WorkOrder{
		ExecutionID: execID,
		TaskID:      cfg.ID,
		OrgID:       cfg.OrgID,
		Users:       req.Users,
		Skills:      cfg.RequiredSkills,
		Instruction: instruction,
		Inputs:      inputs,
		Tools:       schemas,
		ChannelID:   channelID,
		CostLimit:   cfg.CostLimit,
	}
	// The session can settle before Dispatch returns; transition first so
	// the terminal write is never overwritten with a stale snapshot.
	exec.Status = core.ExecutionInProgress
	if err := b.store.UpdateTaskExecution(ctx, exec); err != nil {
		return fmt.Errorf("mark execution in-progress: %w", err)
	}
	if err := workers.Dispatch(ctx, order); err != nil {
		return b.failExecution(ctx, exec, channelID, fmt.Sprintf("dispatch work: %v", err))
	}
	return nil
}

// resolveResourceInputs replaces a resource reference in the trigger inputs
// with the resource's current content.
func (b *Broker) resolveResourceInputs(ctx context.Context, inputs map[string]string) {
	id := inputs["resource_id"]
	if id == "" {
		return
	}
	resources, err := b.manager.Resources()
	if err != nil || !resources.Recognize(id) {
		return
	}
	content, err := resources.Content(ctx, id)
	if err != nil {
		b.logger.Warn("resolve resource input", "resource_id", id, "error", err)
		return
	}
	inputs["content"] = content
}

// buildSchemas assembles the callable surface of one execution: configured
// tools, subtask delegation functions, the documentation builtin and the
// synthetic completion function.
func (b *Broker) buildSchemas(cfg core.TaskConfig) ([]core.FunctionSchema, error) {
	var schemas []core.FunctionSchema
	if len(cfg.Tools) > 0 {
		tools, err := b.manager.Tools()
		if err != nil {
			return nil, err
		}
		schemas, err = tools.Schemas(cfg.Tools)
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(cfg.Subtasks))
	for name := range cfg.Subtasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schemas = append(schemas, core.FunctionSchema{
			Name:        name,
			Description: "Delegate this part of the work to the " + cfg.Subtasks[name] + " task and wait for its summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instruction": map[string]any{
						"type":        "string",
						"description": "What the sub-task should do.",
					},
				},
			},
		})
	}

	if docs, err := b.manager.DocRepos(); err == nil && docs != nil {
		schemas = append(schemas, core.FunctionSchema{
			Name:        core.DocQueryFunction,
			Description: "Look up relevant internal documentation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		})
	}

	schemas = append(schemas, completionSchema(cfg))
	return schemas, nil
}

func completionSchema(cfg core.TaskConfig) core.FunctionSchema {
	props := map[string]any{
		core.SubtaskSummaryArg: map[string]any{
			"type":        "string",
			"description": "Short summary of the outcome.",
		},
	}
	for _, out := range cfg.Outputs {
		if _, exists := props[out.Name]; !exists {
			props[out.Name] = map[string]any{"type": "string"}
		}
	}
	return core.FunctionSchema{
		Name:        core.TaskCompleteFunction,
		Description: "Signal that the task is finished and hand over its outputs.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   []string{core.SubtaskSummaryArg},
		},
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

// seedText renders trigger inputs as the opening user message.
func seedText(inputs map[string]string) string {
	if msg, ok := inputs["message"]; ok && msg != "" {
		return msg
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, inputs[k])
	}
	if sb.Len() == 0 {
		return "Begin."
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HandleResponse finalizes one execution from its terminal worker message:
// status transition, output write-back, tracker update and channel teardown.
// The response is re-published on the response channel afterwards so
// delegation waiters observe it.
func (b *Broker) HandleResponse(ctx context.Context, resp core.WorkResponse) error {
	defer func() {
		if err := b.responses.Publish(resp); err != nil {
			b.logger.Error("publish work response", "execution_id", resp.ExecutionID, "error", err)
		}
	}()

	exec, err := b.store.GetTaskExecution(ctx, resp.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", resp.ExecutionID, err)
	}
	cfg, _ := b.reg.Get(exec.TaskID)

	call := resp.Message.FindCall(core.TaskCompleteFunction)
	reason := resp.Err
	if reason == "" && call != nil {
		reason = gjson.Get(call.Arguments, "error").String()
	}
	if reason == "" && call == nil {
		reason = "worker finished without calling " + core.TaskCompleteFunction
	}

	if reason != "" {
		return b.fail(ctx, cfg, exec, reason)
	}

	args := gjson.Parse(call.Arguments)
	outputs := "{}"
	args.ForEach(func(key, value gjson.Result) bool {
		outputs, _ = sjson.Set(outputs, key.String(), value.Value())
		return true
	})

	exec.Outputs = outputs
	exec.Status = core.ExecutionCompleted
	if err := b.store.UpdateTaskExecution(ctx, exec); err != nil {
		return fmt.Errorf("mark execution completed: %w", err)
	}
	b.opts.Meter.ExecutionCompleted()
	b.logger.Info("execution completed", "execution_id", exec.ID, "task_id", exec.TaskID)

	b.writeOutputs(ctx, cfg, exec, args)
	b.updateTicket(ctx, cfg, exec.Inputs, "completed", args.Get(core.SubtaskSummaryArg).String())

	// Child executions hand their channel session back to the parent in
	// Delegate instead of tearing it down.
	if exec.ParentID == "" {
		b.closeChannel(ctx, exec)
	}
	return nil
}

// fail marks an execution failed and unwinds its external state.
func (b *Broker) fail(ctx context.Context, cfg core.TaskConfig, exec core.TaskExecution, reason string) error {
	exec.Status = core.ExecutionFailed
	if err := b.store.UpdateTaskExecution(ctx, exec); err != nil {
		return fmt.Errorf("mark execution failed: %w", err)
	}
	b.opts.Meter.ExecutionFailed()
	b.logger.Warn("execution failed", "execution_id", exec.ID, "task_id", exec.TaskID, "reason", reason)

	b.updateTicket(ctx, cfg, exec.Inputs, "failed", reason)
	if exec.ParentID == "" {
		b.closeChannel(ctx, exec)
	}
	return nil
}

func (b *Broker) failExecution(ctx context.Context, exec core.TaskExecution, channelID string, reason string) error {
	cfg, _ := b.reg.Get(exec.TaskID)
	if err := b.fail(ctx, cfg, exec, reason); err != nil {
		return err
	}
	return fmt.Errorf("execution %s: %s", exec.ID, reason)
}

// writeOutputs routes completion arguments to their configured targets. A
// target resolves resource first, then channel.
func (b *Broker) writeOutputs(ctx context.Context, cfg core.TaskConfig, exec core.TaskExecution, args gjson.Result) {
	for _, out := range cfg.Outputs {
		value := args.Get(out.Name).String()
		if value == "" {
			continue
		}
		if resources, err := b.manager.Resources(); err == nil && resources.Recognize(out.TargetID) {
			if err := resources.Write(ctx, out.TargetID, value); err != nil {
				b.logger.Error("write output resource", "target", out.TargetID, "error", err)
			}
			continue
		}
		if channels, err := b.manager.Channels(); err == nil && channels.Recognize(out.TargetID) {
			err := channels.Message(ctx, core.MessageRequest{
				ChannelID:   out.TargetID,
				ExecutionID: exec.ID,
				Text:        value,
				Final:       true,
			})
			if err != nil {
				b.logger.Error("write output channel", "target", out.TargetID, "error", err)
			}
			continue
		}
		b.logger.Warn("output target unresolved", "output", out.Name, "target", out.TargetID)
	}
}

// updateTicket forwards an execution status transition to the task's
// tracker when the execution was born from a ticket.
func (b *Broker) updateTicket(ctx context.Context, cfg core.TaskConfig, inputs map[string]string, status, comment string) {
	ticketID := inputs["ticket"]
	if cfg.TrackerID == "" || ticketID == "" {
		return
	}
	trackers, err := b.manager.Trackers()
	if err != nil {
		return
	}
	err = trackers.Update(ctx, core.TicketUpdate{
		TrackerID: cfg.TrackerID,
		TicketID:  ticketID,
		Status:    status,
		Comment:   comment,
	})
	if err != nil {
		b.logger.Error("update ticket", "tracker_id", cfg.TrackerID, "ticket_id", ticketID, "error", err)
	}
}

func (b *Broker) closeChannel(ctx context.Context, exec core.TaskExecution) {
	sess, err := b.store.ChatSessionByExecution(ctx, exec.ID)
	if err != nil || sess.ChannelID == "" {
		return
	}
	channels, err := b.manager.Channels()
	if err != nil {
		return
	}
	if err := channels.CloseSession(ctx, sess.ChannelID, exec.ID); err != nil {
		b.logger.Warn("close channel session", "channel_id", sess.ChannelID, "error", err)
	}
}

// Delegate resolves subtask calls on a parent worker message in place. Each
// matching call spawns a child execution, hands the channel session to it,
// waits for its terminal response and folds the child's summary back into
// the call result. Subtasks run sequentially in call order.
func (b *Broker) Delegate(ctx context.Context, parentExecutionID, channelID string, msg *core.ChatMessage) error {
	exec, err := b.store.GetTaskExecution(ctx, parentExecutionID)
	if err != nil {
		return fmt.Errorf("load parent execution: %w", err)
	}
	cfg, ok := b.reg.Get(exec.TaskID)
	if !ok || len(cfg.Subtasks) == 0 {
		return nil
	}

	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		if call.Result != "" {
			continue
		}
		subtaskID, ok := cfg.Subtasks[call.Name]
		if !ok {
			continue
		}
		result, err := b.runSubtask(ctx, exec, subtaskID, channelID, *call)
		if err != nil {
			return err
		}
		call.Result = result
	}
	return nil
}

func (b *Broker) runSubtask(ctx context.Context, parent core.TaskExecution, subtaskID, channelID string, call core.ToolCall) (string, error) {
	childID := uuid.NewString()

	channels, chanErr := b.manager.Channels()
	handOff := chanErr == nil && channelID != ""
	if handOff {
		if err := channels.HandOffSession(ctx, channelID, parent.ID, childID); err != nil {
			b.logger.Warn("hand off session to subtask", "channel_id", channelID, "error", err)
			handOff = false
		}
	}
	handBack := func() {
		if !handOff {
			return
		}
		if err := channels.HandOffSession(ctx, channelID, childID, parent.ID); err != nil {
			b.logger.Warn("hand session back to parent", "channel_id", channelID, "error", err)
		}
	}

	done, cancel := b.responses.Once(func(r core.WorkResponse) bool { return r.ExecutionID == childID })
	defer cancel()

	inputs := map[string]string{}
	gjson.Parse(call.Arguments).ForEach(func(key, value gjson.Result) bool {
		inputs[key.String()] = value.String()
		return true
	})
	b.request(core.ExecutionRequest{
		ExecutionID: childID,
		TaskID:      subtaskID,
		Users:       parent.Users,
		Inputs:      inputs,
		ChannelID:   channelID,
		ParentID:    parent.ID,
	})
	b.logger.Info("subtask delegated", "parent_execution_id", parent.ID, "child_execution_id", childID, "task_id", subtaskID)

	select {
	case <-ctx.Done():
		handBack()
		return "", ctx.Err()
	case resp := <-done:
		handBack()
		if resp.Err != "" {
			return "sub-task failed: " + resp.Err, nil
		}
		if tc := resp.Message.FindCall(core.TaskCompleteFunction); tc != nil {
			if summary := gjson.Get(tc.Arguments, core.SubtaskSummaryArg).String(); summary != "" {
				return summary, nil
			}
			return tc.Arguments, nil
		}
		return resp.Message.Text, nil
	}
}
