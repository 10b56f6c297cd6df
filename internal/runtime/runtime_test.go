package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
	"github.com/taskforge/taskforge/internal/uibus"
	"github.com/taskforge/taskforge/internal/workspace"
)

// scriptedAgent plays back one output script per step. A script may carry an
// assistant message that is "streamed" through OnChunk first, the way the
// loop agent persists its turns.
type scriptedAgent struct {
	id string

	mu      sync.Mutex
	scripts []scriptedStep
	calls   int
}

type scriptedStep struct {
	message *llm.Message
	outputs []agent.Output
}

func (a *scriptedAgent) ID() string          { return a.id }
func (a *scriptedAgent) Description() string { return "scripted" }

func (a *scriptedAgent) Step(ctx context.Context, in *agent.StepInput) (<-chan agent.Output, error) {
	a.mu.Lock()
	var step scriptedStep
	if a.calls < len(a.scripts) {
		step = a.scripts[a.calls]
	}
	a.calls++
	a.mu.Unlock()

	if step.message != nil && in.OnChunk != nil {
		in.OnChunk(llm.StreamChunk{Done: &llm.Response{Message: *step.message}})
	}
	out := make(chan agent.Output, len(step.outputs))
	for _, o := range step.outputs {
		out <- o
	}
	close(out)
	return out, nil
}

func (a *scriptedAgent) stepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// echoTool is a safe tool returning a fixed payload.
type echoTool struct{ result string }

func (e echoTool) Name() string                              { return "echo" }
func (e echoTool) Description() string                       { return "echo" }
func (e echoTool) Group() tools.Group                        { return tools.GroupFilesystem }
func (e echoTool) Parameters() json.RawMessage               { return json.RawMessage(`{"type":"object"}`) }
func (e echoTool) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskSafe }

func (e echoTool) Execute(context.Context, json.RawMessage, *tools.Context) (*tools.Result, error) {
	return &tools.Result{Content: e.result}, nil
}

// dangerTool is a risky tool that records whether it ran.
type dangerTool struct {
	mu  sync.Mutex
	ran int
}

func (d *dangerTool) Name() string                              { return "danger" }
func (d *dangerTool) Description() string                       { return "danger" }
func (d *dangerTool) Group() tools.Group                        { return tools.GroupShell }
func (d *dangerTool) Parameters() json.RawMessage               { return json.RawMessage(`{"type":"object"}`) }
func (d *dangerTool) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskRisky }

func (d *dangerTool) Execute(context.Context, json.RawMessage, *tools.Context) (*tools.Result, error) {
	d.mu.Lock()
	d.ran++
	d.mu.Unlock()
	return &tools.Result{Content: "boom handled"}, nil
}

func (d *dangerTool) runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ran
}

type fixture struct {
	store  *events.Store
	conv   *conversation.Store
	svc    *service.Service
	deps   *Deps
	danger *dangerTool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := events.NewStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "projections.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conv, err := conversation.Open(filepath.Join(dir, "conversations.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { conv.Close() })

	auditLog, err := audit.Open(filepath.Join(dir, "audit.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	ws, err := workspace.New(filepath.Join(dir, "workspace"), log)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	danger := &dangerTool{}
	require.NoError(t, registry.Register(echoTool{result: "echoed"}))
	require.NoError(t, registry.Register(danger))

	bus := uibus.NewMemoryBus(log)
	t.Cleanup(bus.Close)

	exec := tools.NewExecutor(registry, auditLog, bus, log)
	svc := service.New(store, repository.NewMemory(), log)
	mgr := conversation.NewManager(conv, auditLog, exec, log)

	return &fixture{
		store:  store,
		conv:   conv,
		svc:    svc,
		danger: danger,
		deps: &Deps{
			Service:   svc,
			Conv:      mgr,
			Exec:      exec,
			Bus:       bus,
			Workspace: ws,
			Log:       log,
		},
	}
}

func (f *fixture) createTask(t *testing.T) string {
	t.Helper()
	id, err := f.svc.CreateTask(context.Background(), service.CreateTaskParams{
		Title: "demo", AgentID: "scripted", ActorID: "user",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, taskID string) task.Status {
	t.Helper()
	st, ok := f.statusOK(taskID)
	require.True(t, ok, "no valid event stream for task %s", taskID)
	return st
}

// statusOK folds the stream without failing the test; safe inside Eventually.
func (f *fixture) statusOK(taskID string) (task.Status, bool) {
	stream := f.store.ReadStream(taskID)
	if len(stream) == 0 {
		return "", false
	}
	v, err := task.NewView(stream[0])
	if err != nil {
		return "", false
	}
	for _, se := range stream[1:] {
		if _, err := v.Apply(se); err != nil {
			return "", false
		}
	}
	return v.Status, true
}

func TestExecuteRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{{
		message: &llm.Message{Role: llm.RoleAssistant, Content: "done already"},
		outputs: []agent.Output{
			{Kind: agent.OutputText, Text: "done already"},
			{Kind: agent.OutputDone, Summary: "done already"},
		},
	}}}
	rt := NewRuntime(taskID, a, f.deps)

	require.NoError(t, rt.Execute(context.Background()))

	assert.Equal(t, task.StatusDone, f.status(t, taskID))
	assert.Equal(t, 1, a.stepCount())
}

func TestExecuteToolLoop(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)
	_, err := f.conv.Append(taskID, llm.UserMessage("echo something"))
	require.NoError(t, err)

	call := llm.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "all finished"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "all finished"}},
		},
	}}
	rt := NewRuntime(taskID, a, f.deps)

	require.NoError(t, rt.Execute(context.Background()))

	assert.Equal(t, task.StatusDone, f.status(t, taskID))
	assert.Equal(t, 2, a.stepCount())

	history := f.conv.History(taskID)
	// user, assistant(tool call), tool result, assistant(final)
	require.Len(t, history, 4)
	assert.Equal(t, llm.RoleTool, history[2].Role)
	assert.Equal(t, "c1", history[2].ToolCallID)
	assert.Equal(t, "echoed", history[2].Content)
}

func TestRiskyToolPausesForConfirmation(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	call := llm.ToolCall{ID: "c9", Name: "danger", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{{
		message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
	}}}
	rt := NewRuntime(taskID, a, f.deps)

	require.NoError(t, rt.Execute(context.Background()))

	assert.Equal(t, task.StatusAwaitingUser, f.status(t, taskID))
	assert.Zero(t, f.danger.runs(), "risky tool must not run before approval")

	pending, err := f.svc.PendingInteraction(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, interaction.PurposeConfirmRiskyAction, pending.Purpose)
	assert.Equal(t, "c9", pending.ToolCallID())
}

func TestApprovalExecutesRiskyToolOnce(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	call := llm.ToolCall{ID: "c9", Name: "danger", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		// After approval the dangling call is re-yielded.
		{outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}}},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "handled"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "handled"}},
		},
	}}
	rt := NewRuntime(taskID, a, f.deps)
	ctx := context.Background()

	require.NoError(t, rt.Execute(ctx))
	pending, err := f.svc.PendingInteraction(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	resp := interaction.Response{InteractionID: pending.ID, SelectedOptionID: interaction.OptionApprove}
	require.NoError(t, f.svc.RespondToInteraction(ctx, taskID, "user", resp))
	require.NoError(t, rt.Resume(ctx, &resp))

	assert.Equal(t, 1, f.danger.runs())
	assert.Equal(t, task.StatusDone, f.status(t, taskID))
	assert.True(t, f.conv.HasToolResult(taskID, "c9"))
}

func TestRejectionAnswersDanglingCall(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	call := llm.ToolCall{ID: "c9", Name: "danger", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "skipped it"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "skipped it"}},
		},
	}}
	rt := NewRuntime(taskID, a, f.deps)
	ctx := context.Background()

	require.NoError(t, rt.Execute(ctx))
	pending, err := f.svc.PendingInteraction(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	resp := interaction.Response{InteractionID: pending.ID, SelectedOptionID: interaction.OptionReject}
	require.NoError(t, f.svc.RespondToInteraction(ctx, taskID, "user", resp))
	require.NoError(t, rt.Resume(ctx, &resp))

	assert.Zero(t, f.danger.runs())
	require.True(t, f.conv.HasToolResult(taskID, "c9"))
	history := f.conv.History(taskID)
	var result llm.Message
	for _, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID == "c9" {
			result = m
		}
	}
	assert.Contains(t, result.Content, "User rejected")
	assert.Equal(t, task.StatusDone, f.status(t, taskID))
}

func TestInstructionQueuedWhileExecutingUnsafe(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	// History ends in a dangling risky call: not safe to inject.
	_, err := f.conv.Append(taskID,
		llm.UserMessage("go"),
		llm.AssistantToolCalls(llm.ToolCall{ID: "c9", Name: "danger"}),
	)
	require.NoError(t, err)

	a := &scriptedAgent{id: "scripted"}
	rt := NewRuntime(taskID, a, f.deps)

	runNow, err := rt.OnInstruction("also do this")
	require.NoError(t, err)
	assert.False(t, runNow, "unsafe history queues the instruction")

	// The history is unchanged until a safe yield point.
	assert.Equal(t, 2, f.conv.Len(taskID))
}

func TestInstructionInjectedWhenIdleAndSafe(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	a := &scriptedAgent{id: "scripted"}
	rt := NewRuntime(taskID, a, f.deps)

	runNow, err := rt.OnInstruction("get started")
	require.NoError(t, err)
	assert.True(t, runNow)

	history := f.conv.History(taskID)
	require.Len(t, history, 1)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "get started", history[0].Content)
}

func TestCancelAbortsLoop(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	a := &scriptedAgent{id: "scripted", scripts: []scriptedStep{{
		message: &llm.Message{Role: llm.RoleAssistant, Content: "thinking"},
		outputs: []agent.Output{{Kind: agent.OutputText, Text: "thinking"}},
	}}}
	rt := NewRuntime(taskID, a, f.deps)

	rt.OnCancel()
	require.NoError(t, rt.Execute(context.Background()))
	assert.Zero(t, a.stepCount(), "canceled runtime must not step the agent")
}

func TestExecuteSingleFlight(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t)

	block := make(chan struct{})
	entered := make(chan struct{})
	a := &blockingAgent{id: "scripted", release: block, entered: entered}
	rt := NewRuntime(taskID, a, f.deps)

	done := make(chan error, 1)
	go func() { done <- rt.Execute(context.Background()) }()
	<-entered

	// While the loop is active, further calls no-op.
	require.NoError(t, rt.Execute(context.Background()))
	require.NoError(t, rt.Execute(context.Background()))

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, a.steps, "only one loop may be active")
	assert.Equal(t, task.StatusDone, f.status(t, taskID))
}

// blockingAgent blocks its single step until released.
type blockingAgent struct {
	id      string
	release <-chan struct{}
	entered chan struct{}
	once    sync.Once
	steps   int
}

func (a *blockingAgent) ID() string          { return a.id }
func (a *blockingAgent) Description() string { return "blocking" }

func (a *blockingAgent) Step(ctx context.Context, _ *agent.StepInput) (<-chan agent.Output, error) {
	a.steps++
	a.once.Do(func() { close(a.entered) })
	out := make(chan agent.Output, 1)
	release := a.release
	go func() {
		defer close(out)
		<-release
		out <- agent.Output{Kind: agent.OutputDone, Summary: "ok"}
	}()
	return out, nil
}
