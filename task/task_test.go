package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/worker"
)

const waitTimeout = 3 * time.Second

func taskCfg(id string) core.TaskConfig {
	return core.TaskConfig{Meta: core.Meta{ID: id, OrgID: "org", Name: "Task " + id}}
}

func syncChannel(t *testing.T, env *testutil.Env, id string) {
	t.Helper()
	channels, err := env.Manager.Channels()
	require.NoError(t, err)
	require.NoError(t, channels.Sync(context.Background(), core.ChannelConfig{
		Meta: core.Meta{ID: id, OrgID: "org", Name: id},
		Type: "test",
	}))
}

func syncWorker(t *testing.T, env *testutil.Env, id string, skills []string, turns ...worker.Turn) {
	t.Helper()
	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource(id, testutil.NewScriptedWorker(turns...))
	require.NoError(t, env.Workers.Sync(context.Background(), core.WorkerConfig{
		Meta:        core.Meta{ID: id, OrgID: "org", Name: "Worker " + id},
		WIPLimit:    2,
		Skills:      skills,
		Credentials: map[string]string{"test": "sec-1"},
	}))
}

// captureResponses subscribes before any trigger fires so no terminal
// response is missed.
func captureResponses(t *testing.T, env *testutil.Env) <-chan core.WorkResponse {
	t.Helper()
	out := make(chan core.WorkResponse, 16)
	cancel := env.Tasks.Responses().SubscribeFunc(func(resp core.WorkResponse) {
		out <- resp
	})
	t.Cleanup(cancel)
	return out
}

func nextResponse(t *testing.T, responses <-chan core.WorkResponse) core.WorkResponse {
	t.Helper()
	select {
	case resp := <-responses:
		return resp
	case <-time.After(waitTimeout):
		t.Fatal("no work response arrived")
		return core.WorkResponse{}
	}
}

func TestBroker_SyncRejectsUnknownTrigger(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()

	cfg := taskCfg("t1")
	cfg.Triggers = []string{"nope"}
	err := env.Tasks.Sync(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger nope")
	assert.False(t, env.Tasks.Has("t1"))
}

func TestBroker_SyncRollsBackOnSecondTrigger(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	syncChannel(t, env, "c1")

	cfg := taskCfg("t1")
	cfg.Triggers = []string{"c1", "missing"}
	require.Error(t, env.Tasks.Sync(context.Background(), cfg))
	assert.False(t, env.Tasks.Has("t1"))
}

func TestBroker_ChannelTriggerSpawnsExecution(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	syncChannel(t, env, "c1")
	syncWorker(t, env, "w1", nil, testutil.CompleteTurn(`{"summary":"summarized"}`, 0.01))

	cfg := taskCfg("t1")
	cfg.Triggers = []string{"c1"}
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	responses := captureResponses(t, env)

	env.Channel("c1").Inject(core.ChannelMessage{
		ChannelID: "c1",
		SenderID:  "bob",
		MessageID: "m-1",
		Text:      "please summarize the incident",
	})

	resp := nextResponse(t, responses)
	assert.Empty(t, resp.Err)

	exec, err := env.Store.GetTaskExecution(ctx, resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.Status)
	assert.Equal(t, "t1", exec.TaskID)
	assert.Contains(t, exec.Users, "bob")
	assert.Equal(t, "summarized", gjson.Get(exec.Outputs, core.SubtaskSummaryArg).String())

	// The trigger message opens the transcript verbatim.
	sess, err := env.Store.GetChatSession(ctx, sessionID(t, env, resp.ExecutionID))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sess.Messages), 2)
	assert.Equal(t, core.RoleUser, sess.Messages[1].Role)
	assert.Equal(t, "please summarize the incident", sess.Messages[1].Text)

	// Messages already bound to an execution never fan in.
	env.Channel("c1").Inject(core.ChannelMessage{
		ChannelID:   "c1",
		MessageID:   "m-2",
		Text:        "session traffic",
		ExecutionID: "someone-elses-session",
	})
	select {
	case resp := <-responses:
		t.Fatalf("bound message spawned execution %s", resp.ExecutionID)
	case <-time.After(150 * time.Millisecond):
	}
}

func sessionID(t *testing.T, env *testutil.Env, executionID string) string {
	t.Helper()
	sess, err := env.Store.ChatSessionByExecution(context.Background(), executionID)
	require.NoError(t, err)
	return sess.ID
}

func TestBroker_TrackerTriggerTicketLifecycle(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	trackers, err := env.Manager.Trackers()
	require.NoError(t, err)
	require.NoError(t, trackers.Sync(ctx, core.TrackerConfig{
		Meta: core.Meta{ID: "tr1", OrgID: "org", Name: "Tracker"},
		Type: "test",
	}))
	require.NoError(t, trackers.Update(ctx, core.TicketUpdate{TrackerID: "tr1", Status: "open"}))

	syncWorker(t, env, "w1", nil, testutil.CompleteTurn(`{"summary":"ticket resolved"}`, 0.01))

	cfg := taskCfg("t1")
	cfg.TrackerID = "tr1"
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	responses := captureResponses(t, env)
	env.Tracker("tr1").Transition("T-1", core.TicketReady, map[string]string{"priority": "high"})

	resp := nextResponse(t, responses)
	require.Empty(t, resp.Err)

	exec, err := env.Store.GetTaskExecution(ctx, resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.Status)
	assert.Equal(t, "T-1", exec.Inputs["ticket"])
	assert.Equal(t, "high", exec.Inputs["priority"])

	assert.Equal(t, []string{"open", "in-progress", "completed"}, env.Tracker("tr1").StatusHistory("T-1"))
}

func TestBroker_TrackerTriggerIgnoresOtherTransitions(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	trackers, err := env.Manager.Trackers()
	require.NoError(t, err)
	require.NoError(t, trackers.Sync(ctx, core.TrackerConfig{
		Meta: core.Meta{ID: "tr1", OrgID: "org", Name: "Tracker"},
		Type: "test",
	}))

	cfg := taskCfg("t1")
	cfg.TrackerID = "tr1"
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	responses := captureResponses(t, env)
	env.Tracker("tr1").Transition("T-1", "closed", nil)

	select {
	case resp := <-responses:
		t.Fatalf("non-ready transition spawned execution %s", resp.ExecutionID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBroker_ResourceTriggerResolvesContent(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	resources, err := env.Manager.Resources()
	require.NoError(t, err)
	require.NoError(t, resources.Sync(ctx, core.ResourceConfig{
		Meta: core.Meta{ID: "r1", OrgID: "org", Name: "r1"},
	}))

	syncWorker(t, env, "w1", nil, testutil.CompleteTurn(`{"summary":"reviewed"}`, 0.01))

	cfg := taskCfg("t1")
	cfg.Triggers = []string{"r1"}
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	responses := captureResponses(t, env)
	require.NoError(t, resources.Write(ctx, "r1", "release notes draft"))

	resp := nextResponse(t, responses)
	require.Empty(t, resp.Err)

	exec, err := env.Store.GetTaskExecution(ctx, resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "r1", exec.Inputs["resource_id"])
	assert.Equal(t, "1", exec.Inputs["version"])
	assert.Equal(t, "release notes draft", exec.Inputs["content"])

	sess, err := env.Store.ChatSessionByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Contains(t, sess.Messages[1].Text, "content: release notes draft")
}

func TestBroker_ExecuteFailsWithoutWorkers(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	require.NoError(t, env.Tasks.Sync(ctx, taskCfg("t1")))

	err := env.Tasks.Execute(ctx, core.ExecutionRequest{TaskID: "t1", ExecutionID: "e-fail"})
	require.Error(t, err)

	exec, err := env.Store.GetTaskExecution(ctx, "e-fail")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
}

func TestBroker_ExecuteKeepsTerminalStatusAfterDispatchFault(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	syncChannel(t, env, "c1")

	// The worker's credential entry resolves to no secret, so the join
	// faults under Dispatch and the execution fails before Execute returns.
	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{}`, 0)))
	require.NoError(t, env.Workers.Sync(ctx, core.WorkerConfig{
		Meta:        core.Meta{ID: "w1", OrgID: "org", Name: "Worker w1"},
		WIPLimit:    1,
		Credentials: map[string]string{"test": "ghost"},
	}))

	require.NoError(t, env.Tasks.Sync(ctx, taskCfg("t1")))
	require.NoError(t, env.Tasks.Execute(ctx, core.ExecutionRequest{
		TaskID:      "t1",
		ExecutionID: "e-fault",
		ChannelID:   "c1",
	}))

	// The fault's terminal write must survive Execute's return path.
	exec, err := env.Store.GetTaskExecution(ctx, "e-fault")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
}

func TestBroker_ExecuteRejectsUnknownTask(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()

	err := env.Tasks.Execute(context.Background(), core.ExecutionRequest{TaskID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestBroker_HandleResponseFailureUpdatesTicket(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	trackers, err := env.Manager.Trackers()
	require.NoError(t, err)
	require.NoError(t, trackers.Sync(ctx, core.TrackerConfig{
		Meta: core.Meta{ID: "tr1", OrgID: "org", Name: "Tracker"},
		Type: "test",
	}))
	require.NoError(t, trackers.Update(ctx, core.TicketUpdate{TrackerID: "tr1", Status: "open"}))

	cfg := taskCfg("t1")
	cfg.TrackerID = "tr1"
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	require.NoError(t, env.Store.CreateTaskExecution(ctx, core.TaskExecution{
		ID:     "e1",
		TaskID: "t1",
		OrgID:  "org",
		Status: core.ExecutionInProgress,
		Inputs: map[string]string{"ticket": "T-1"},
	}))

	require.NoError(t, env.Tasks.HandleResponse(ctx, core.WorkResponse{
		ExecutionID: "e1",
		TaskID:      "t1",
		Err:         "inference failed: model unavailable",
	}))

	exec, err := env.Store.GetTaskExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	assert.Equal(t, []string{"open", "failed"}, env.Tracker("tr1").StatusHistory("T-1"))
}

func TestBroker_HandleResponseWithoutCompletionCallFails(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	require.NoError(t, env.Store.CreateTaskExecution(ctx, core.TaskExecution{
		ID: "e1", TaskID: "t1", OrgID: "org", Status: core.ExecutionInProgress,
	}))

	msg := core.NewChatMessage(core.RoleWorker, "I think I am done")
	msg.Done = true
	require.NoError(t, env.Tasks.HandleResponse(ctx, core.WorkResponse{
		ExecutionID: "e1",
		Message:     msg,
	}))

	exec, err := env.Store.GetTaskExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
}

func TestBroker_OutputWriteBack(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	resources, err := env.Manager.Resources()
	require.NoError(t, err)
	require.NoError(t, resources.Sync(ctx, core.ResourceConfig{
		Meta: core.Meta{ID: "r-out", OrgID: "org", Name: "r-out"},
	}))
	syncChannel(t, env, "c-notify")

	syncWorker(t, env, "w1", nil,
		testutil.CompleteTurn(`{"summary":"done","report":"all systems green","notice":"report published"}`, 0.01))

	cfg := taskCfg("t1")
	cfg.Outputs = []core.Output{
		{Name: "report", TargetID: "r-out"},
		{Name: "notice", TargetID: "c-notify"},
	}
	require.NoError(t, env.Tasks.Sync(ctx, cfg))

	responses := captureResponses(t, env)
	require.NoError(t, env.Tasks.Execute(ctx, core.ExecutionRequest{TaskID: "t1"}))

	resp := nextResponse(t, responses)
	require.Empty(t, resp.Err)

	content, err := resources.Content(ctx, "r-out")
	require.NoError(t, err)
	assert.Equal(t, "all systems green", content)
	assert.Equal(t, []string{"report published"}, env.Channel("c-notify").SentTexts())
}

func TestBroker_DelegateSubtask(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	syncChannel(t, env, "c1")
	syncWorker(t, env, "w-parent", []string{"planning"},
		testutil.CallTurn("write_report", `{"instruction":"write the weekly report"}`, 0.01),
		testutil.CompleteTurn(`{"summary":"report delegated and delivered"}`, 0.01),
	)
	syncWorker(t, env, "w-child", []string{"writing"},
		testutil.CompleteTurn(`{"summary":"weekly report written"}`, 0.01),
	)

	child := taskCfg("t-child")
	child.RequiredSkills = []string{"writing"}
	require.NoError(t, env.Tasks.Sync(ctx, child))

	parent := taskCfg("t-parent")
	parent.RequiredSkills = []string{"planning"}
	parent.Subtasks = map[string]string{"write_report": "t-child"}
	require.NoError(t, env.Tasks.Sync(ctx, parent))

	responses := captureResponses(t, env)
	require.NoError(t, env.Tasks.Execute(ctx, core.ExecutionRequest{TaskID: "t-parent", ChannelID: "c1"}))

	// The child settles first, then the parent.
	first := nextResponse(t, responses)
	second := nextResponse(t, responses)
	require.Empty(t, first.Err)
	require.Empty(t, second.Err)
	assert.Equal(t, "t-child", first.TaskID)
	assert.Equal(t, "t-parent", second.TaskID)

	childExec, err := env.Store.GetTaskExecution(ctx, first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, childExec.Status)
	assert.Equal(t, second.ExecutionID, childExec.ParentID)
	assert.Equal(t, "write the weekly report", childExec.Inputs["instruction"])

	parentExec, err := env.Store.GetTaskExecution(ctx, second.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, parentExec.Status)
	assert.Equal(t, "report delegated and delivered", gjson.Get(parentExec.Outputs, core.SubtaskSummaryArg).String())

	// The child's summary lands as the delegation call result.
	sess, err := env.Store.ChatSessionByExecution(ctx, second.ExecutionID)
	require.NoError(t, err)
	var result string
	for _, m := range sess.Messages {
		if m.Role == core.RoleTool && len(m.ToolCalls) > 0 {
			result = m.ToolCalls[0].Result
		}
	}
	assert.Equal(t, "weekly report written", result)
}

func TestBroker_RemoveReleasesTriggers(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	syncChannel(t, env, "c1")
	cfg := taskCfg("t1")
	cfg.Triggers = []string{"c1"}
	require.NoError(t, env.Tasks.Sync(ctx, cfg))
	require.NoError(t, env.Tasks.Remove(ctx, "t1"))
	assert.False(t, env.Tasks.Has("t1"))

	responses := captureResponses(t, env)
	env.Channel("c1").Inject(core.ChannelMessage{ChannelID: "c1", MessageID: "m-1", Text: "hello"})

	select {
	case resp := <-responses:
		t.Fatalf("removed task still triggered execution %s", resp.ExecutionID)
	case <-time.After(150 * time.Millisecond):
	}
}
