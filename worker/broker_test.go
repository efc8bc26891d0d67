package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/worker"
)

const waitTimeout = 3 * time.Second

func workerCfg(id string, wip int) core.WorkerConfig {
	return core.WorkerConfig{
		Meta:        core.Meta{ID: id, OrgID: "org", Name: "Worker " + id},
		WIPLimit:    wip,
		Credentials: map[string]string{"test": "sec-1"},
	}
}

// seedExecution prepares everything a session needs: the channel, the
// execution record, the work order's chat transcript and the transport
// session.
func seedExecution(t *testing.T, env *testutil.Env, execID, channelID string) {
	t.Helper()
	ctx := context.Background()

	channels, err := env.Manager.Channels()
	require.NoError(t, err)
	require.NoError(t, channels.Sync(ctx, core.ChannelConfig{
		Meta: core.Meta{ID: channelID, OrgID: "org", Name: channelID},
		Type: "test",
	}))
	require.NoError(t, channels.EstablishSession(ctx, channelID, execID, nil))

	require.NoError(t, env.Store.CreateTaskExecution(ctx, core.TaskExecution{
		ID:     execID,
		TaskID: "t1",
		OrgID:  "org",
		Status: core.ExecutionStarted,
	}))
	require.NoError(t, env.Store.CreateChatSession(ctx, core.ChatSession{
		ID:          "sess-" + execID,
		ExecutionID: execID,
		ChannelID:   channelID,
		Messages: []core.ChatMessage{
			core.NewChatMessage(core.RoleSystem, "do the work"),
			core.NewChatMessage(core.RoleUser, "begin"),
		},
	}))
}

func order(execID, channelID string) core.WorkOrder {
	return core.WorkOrder{
		ExecutionID: execID,
		TaskID:      "t1",
		OrgID:       "org",
		ChannelID:   channelID,
	}
}

func execStatus(env *testutil.Env, execID string) core.ExecutionStatus {
	exec, err := env.Store.GetTaskExecution(context.Background(), execID)
	if err != nil {
		return ""
	}
	return exec.Status
}

func workStatus(env *testutil.Env, execID string) core.WorkStatus {
	wr, err := env.Store.GetWorkRequest(context.Background(), execID)
	if err != nil {
		return ""
	}
	return wr.Status
}

func TestBroker_DispatchRunsSessionToCompletion(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.CompleteTurn(`{"summary":"all done"}`, 0.01),
	))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 2)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "execution did not complete")

	wr, err := env.Store.GetWorkRequest(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkComplete, wr.Status)
	assert.Equal(t, "w1", wr.WorkerID)
	assert.InDelta(t, 0.01, wr.Cost, 1e-9)
	assert.Contains(t, env.Channel("c1").Joined, "w1")
}

func TestBroker_DispatchRequiresCoveringSkills(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{}`, 0)))
	cfg := workerCfg("w1", 1)
	cfg.Skills = []string{"go"}
	require.NoError(t, env.Workers.Sync(ctx, cfg))

	o := order("e1", "")
	o.Skills = []string{"go", "rust"}
	assert.Error(t, env.Workers.Dispatch(ctx, o))
}

func TestBroker_SelectWorkerPrefersFreeCapacity(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	gate := newGate()
	env.SetSource("w-busy", gate)
	env.SetSource("w-free", testutil.NewScriptedWorker(testutil.CompleteTurn(`{"summary":"ok"}`, 0)))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w-busy", 1)))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w-free", 1)))

	// Occupy w-busy so its score drops below w-free.
	seedExecution(t, env, "e-busy", "c1")
	busy := core.WorkRequest{
		ExecutionID: "e-busy", WorkerID: "w-busy", Status: core.WorkInProgress,
		Order: order("e-busy", "c1"), Created: time.Now().UTC(),
	}
	require.NoError(t, env.Store.CreateWorkRequest(ctx, busy))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	wr, err := env.Store.GetWorkRequest(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "w-free", wr.WorkerID)
}

// gate is a TurnSource blocking until released, then completing.
type gate struct {
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) NextTurn(ctx context.Context, _ core.WorkOrder, _ []core.ChatMessage) (worker.Turn, error) {
	select {
	case <-ctx.Done():
		return worker.Turn{}, ctx.Err()
	case <-g.release:
		return testutil.CompleteTurn(`{"summary":"released"}`, 0), nil
	}
}

func TestBroker_WIPLimitQueuesOverflow(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	g := newGate()
	env.SetSource("w1", g)
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	seedExecution(t, env, "e2", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))
	require.NoError(t, env.Workers.Dispatch(ctx, order("e2", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return workStatus(env, "e1") == core.WorkInProgress
	}))
	assert.Equal(t, core.WorkQueued, workStatus(env, "e2"))

	close(g.release)

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted &&
			execStatus(env, "e2") == core.ExecutionCompleted
	}), "queued work did not drain")
}

func TestBroker_UnresolvableCredentialFaultsRequest(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{}`, 0)))
	cfg := workerCfg("w1", 1)
	cfg.Credentials = map[string]string{"test": "ghost"}
	require.NoError(t, env.Workers.Sync(ctx, cfg))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionFailed
	}), "faulted request did not fail the execution")
	assert.Equal(t, core.WorkError, workStatus(env, "e1"))
	assert.Empty(t, env.Channel("c1").Joined)
}

func TestBroker_SelectWorkerRequiresChannelCredential(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w-a", testutil.NewScriptedWorker(testutil.CompleteTurn(`{"summary":"ok"}`, 0)))
	env.SetSource("w-b", testutil.NewScriptedWorker(testutil.CompleteTurn(`{"summary":"ok"}`, 0)))

	// w-a sorts first and is equally idle, but holds no credential for the
	// channel's transport type.
	plain := workerCfg("w-a", 1)
	plain.Credentials = nil
	require.NoError(t, env.Workers.Sync(ctx, plain))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w-b", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	wr, err := env.Store.GetWorkRequest(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "w-b", wr.WorkerID)

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "credentialed worker did not complete the work")
}

func TestBroker_SelectWorkerFiltersByOrg(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{}`, 0)))
	cfg := workerCfg("w1", 1)
	cfg.OrgID = "acme"
	require.NoError(t, env.Workers.Sync(ctx, cfg))

	seedExecution(t, env, "e1", "c1")
	assert.Error(t, env.Workers.Dispatch(ctx, order("e1", "c1")))
}

func TestBroker_ZeroCapacityWorkerNotSchedulable(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{}`, 0)))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 0)))

	seedExecution(t, env, "e1", "c1")
	assert.Error(t, env.Workers.Dispatch(ctx, order("e1", "c1")))
}

func TestSession_CostCeilingTearDown(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.CallTurn("lookup", `{"q":"a"}`, 0.3),
		testutil.CallTurn("lookup", `{"q":"b"}`, 0.3),
	))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	o := order("e1", "c1")
	o.CostLimit = 0.5
	require.NoError(t, env.Workers.Dispatch(ctx, o))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionFailed
	}), "cost overrun did not fail the execution")
	assert.Equal(t, core.WorkError, workStatus(env, "e1"))

	wr, err := env.Store.GetWorkRequest(ctx, "e1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, wr.Cost, 1e-9)

	// The transport session is gone after teardown.
	_, open := env.Channel("c1").SessionStatus("e1")
	assert.False(t, open)
}

func TestSession_LoopGuardAborts(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	spin := testutil.CallTurn("noop", `{}`, 0)
	spin.Message.Text = "still working on it"
	env.SetSource("w1", testutil.NewScriptedWorker(spin))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionFailed
	}), "loop was not detected")

	sess, err := env.Store.ChatSessionByExecution(ctx, "e1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sess.Messages), 25)
}

func TestSession_ToolRoundTrip(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	adapter := testutil.NewToolAdapter(core.FunctionSchema{Name: "lookup", Parameters: map[string]any{"type": "object"}})
	adapter.SetResult("lookup", core.ToolResult{Success: true, MachineMessage: "record 42"})
	env.SetTool("tool-1", adapter)
	tools, err := env.Manager.Tools()
	require.NoError(t, err)
	require.NoError(t, tools.Sync(ctx, core.ToolConfig{Meta: core.Meta{ID: "tool-1", OrgID: "org", Name: "Lookup"}}))

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.CallTurn("lookup", `{"id":42}`, 0.01),
		testutil.CompleteTurn(`{"summary":"found it"}`, 0.01),
	))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}))

	require.Len(t, adapter.Calls, 1)
	assert.Equal(t, "e1", adapter.Calls[0].ExecutionID)

	sess, err := env.Store.ChatSessionByExecution(ctx, "e1")
	require.NoError(t, err)
	var resolved bool
	for _, m := range sess.Messages {
		if m.Role == core.RoleTool {
			require.Len(t, m.ToolCalls, 1)
			assert.Equal(t, "record 42", m.ToolCalls[0].Result)
			resolved = true
		}
	}
	assert.True(t, resolved, "no resolved tool message in transcript")
}

func TestSession_DocQueryBuiltin(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.SetDocSource("docs-1", &testutil.DocSource{
		Name:    "docs-1",
		Matches: []core.DocMatch{{Text: "use make deploy", Distance: 0.1}},
	})
	docs, err := env.Manager.DocRepos()
	require.NoError(t, err)
	require.NoError(t, docs.Sync(ctx, core.DocRepoConfig{Meta: core.Meta{ID: "docs-1", OrgID: "org", Name: "Docs"}}))

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.CallTurn(core.DocQueryFunction, `{"query":"how to deploy"}`, 0),
		testutil.CompleteTurn(`{"summary":"deployed"}`, 0),
	))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}))

	sess, err := env.Store.ChatSessionByExecution(ctx, "e1")
	require.NoError(t, err)
	var answer string
	for _, m := range sess.Messages {
		if m.Role == core.RoleTool && len(m.ToolCalls) > 0 {
			answer = m.ToolCalls[0].Result
		}
	}
	assert.Equal(t, "use make deploy", answer)
}

func TestSession_AwaitsHumanReply(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.WorkerTurn("which environment should I target?", false, 0.01),
		testutil.CompleteTurn(`{"summary":"targeted staging"}`, 0.01),
	))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return len(env.Channel("c1").SentTexts()) > 0
	}), "worker question was not delivered")
	assert.Equal(t, []string{"which environment should I target?"}, env.Channel("c1").SentTexts())

	env.Channel("c1").Inject(core.ChannelMessage{
		ChannelID:   "c1",
		SenderID:    "alice",
		MessageID:   "m-reply-1",
		Text:        "staging please",
		ExecutionID: "e1",
	})

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "session did not resume after the reply")

	sess, err := env.Store.ChatSessionByExecution(ctx, "e1")
	require.NoError(t, err)
	var userMsg *core.ChatMessage
	for i := range sess.Messages {
		if sess.Messages[i].ID == "m-reply-1" {
			userMsg = &sess.Messages[i]
		}
	}
	require.NotNil(t, userMsg, "reply missing from transcript")
	assert.Equal(t, core.RoleUser, userMsg.Role)
	assert.Equal(t, "staging please", userMsg.Text)

	exec, err := env.Store.GetTaskExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Contains(t, exec.Users, "alice")
}

func TestSession_CritiqueCycle(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(
		testutil.WorkerTurn("privately: the answer is 4", false, 0.01),
		testutil.WorkerTurn("draft: reply with 4", false, 0.01),
		testutil.WorkerTurn("good, send it", false, 0.01),
		testutil.CompleteTurn(`{"summary":"answered 4"}`, 0.01),
	))
	cfg := workerCfg("w1", 1)
	cfg.Critique = true
	require.NoError(t, env.Workers.Sync(ctx, cfg))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "critique session did not complete")

	sess, err := env.Store.ChatSessionByExecution(ctx, "e1")
	require.NoError(t, err)
	var subs []core.SubRole
	for _, m := range sess.Messages {
		if m.Role == core.RoleWorker {
			subs = append(subs, m.Username)
		}
	}
	assert.Equal(t, []core.SubRole{
		core.SubRoleThought, core.SubRoleManager, core.SubRoleCritic, core.SubRoleWorker,
	}, subs)

	// Internal sub-role turns never reach the channel.
	assert.Empty(t, env.Channel("c1").SentTexts())
}

func TestSession_EmptyDoneMessageFails(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	env.SetSource("w1", testutil.NewScriptedWorker(testutil.WorkerTurn("", true, 0)))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionFailed
	}), "empty terminal message was accepted")
}

func TestBroker_AbortCancelsSession(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	g := newGate()
	env.SetSource("w1", g)
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return workStatus(env, "e1") == core.WorkInProgress
	}))

	env.Workers.Abort("e1")

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return workStatus(env, "e1") == core.WorkError
	}), "aborted session was not recorded")

	// The cancelled response unwinds through the task pipeline like any
	// other failure.
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionFailed
	}), "aborted execution did not reach a terminal status")
}

// countingTurns blocks every session on release and counts how many
// sessions asked for a turn.
type countingTurns struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingTurns) NextTurn(ctx context.Context, _ core.WorkOrder, _ []core.ChatMessage) (worker.Turn, error) {
	c.calls.Add(1)
	select {
	case <-ctx.Done():
		return worker.Turn{}, ctx.Err()
	case <-c.release:
		return testutil.CompleteTurn(`{"summary":"ok"}`, 0), nil
	}
}

func TestBroker_ConcurrentResumeRunsOneSession(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Store.CreateWorkRequest(ctx, core.WorkRequest{
		ExecutionID: "e1",
		WorkerID:    "w1",
		Status:      core.WorkInProgress,
		Order:       order("e1", "c1"),
		Created:     time.Now().UTC(),
	}))

	src := &countingTurns{release: make(chan struct{})}
	env.SetSource("w1", src)

	// Every Sync walks the resume path over the same in-progress request.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))
		}()
	}
	wg.Wait()

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return src.calls.Load() > 0
	}), "no session started")
	close(src.release)

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "resumed work did not complete")
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestBroker_SyncResumesInProgressWork(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	seedExecution(t, env, "e1", "c1")

	// A work request left in-progress by a previous process life.
	require.NoError(t, env.Store.CreateWorkRequest(ctx, core.WorkRequest{
		ExecutionID: "e1",
		WorkerID:    "w1",
		Status:      core.WorkInProgress,
		Order:       order("e1", "c1"),
		Created:     time.Now().UTC(),
	}))

	env.SetSource("w1", testutil.NewScriptedWorker(testutil.CompleteTurn(`{"summary":"recovered"}`, 0)))
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return execStatus(env, "e1") == core.ExecutionCompleted
	}), "in-progress work was not resumed")
}

func TestBroker_RemoveKeepsStoredWork(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()
	ctx := context.Background()

	env.Secrets["sec-1"] = core.Secret{ID: "sec-1", Token: "tok"}
	g := newGate()
	env.SetSource("w1", g)
	require.NoError(t, env.Workers.Sync(ctx, workerCfg("w1", 1)))

	seedExecution(t, env, "e1", "c1")
	require.NoError(t, env.Workers.Dispatch(ctx, order("e1", "c1")))
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return workStatus(env, "e1") == core.WorkInProgress
	}))

	require.NoError(t, env.Workers.Remove(ctx, "w1"))
	assert.False(t, env.Workers.Has("w1"))

	// The record survives for a later registration to resume.
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		_, err := env.Store.GetWorkRequest(ctx, "e1")
		return err == nil
	}))
}

func TestBroker_SyncRejectsSourceFactoryError(t *testing.T) {
	env := testutil.NewEnv()
	defer env.Close()

	// No source registered for this worker id.
	err := env.Workers.Sync(context.Background(), workerCfg("w-unknown", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("worker %s", "w-unknown"))
	assert.False(t, env.Workers.Has("w-unknown"))
}
