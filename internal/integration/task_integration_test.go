package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tools"
)

// A task whose agent reads a file and reports done: the full event trace is
// created, started, completed, and the conversation ends with the final
// assistant message.
func TestHappyPathToolLoop(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ws.Write("a.txt", []byte("hi")))

	call := llm.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}
	a := &scriptedAgent{id: "reader", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "done"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "done"}},
		},
	}}
	e.register(t, a)
	e.start(t)

	taskID := e.createTask(t, "read a.txt", "reader")
	e.waitStatus(t, taskID, task.StatusDone)

	assert.Equal(t, []events.Type{events.TaskCreated, events.TaskStarted, events.TaskCompleted},
		e.eventTypes(taskID))

	history := e.conv.History(taskID)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, llm.RoleAssistant, last.Role)
	assert.Equal(t, "done", last.Content)

	var toolResult *llm.Message
	for i := range history {
		if history[i].Role == llm.RoleTool && history[i].ToolCallID == "c1" {
			toolResult = &history[i]
		}
	}
	require.NotNil(t, toolResult, "tool result for c1 must be persisted")
	assert.Equal(t, "hi", toolResult.Content)

	// The projection catches up with the fold of the stream.
	require.Eventually(t, func() bool {
		view, err := e.svc.GetTask(context.Background(), taskID)
		return err == nil && view.Status == task.StatusDone
	}, 5*time.Second, 10*time.Millisecond)
}

// An instruction arriving while a tool call is in flight is queued, and lands
// in the history between the tool result and the next model call.
func TestInstructionQueuedDuringToolRun(t *testing.T) {
	e := newEnv(t)

	gate := newGatedTool("gated")
	require.NoError(t, e.registry.Register(gate))

	call := llm.ToolCall{ID: "c4", Name: "gated", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "worker", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "did both"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "did both"}},
		},
	}}
	e.register(t, a)
	e.start(t)

	taskID := e.createTask(t, "do X", "worker")

	<-gate.entered
	require.NoError(t, e.svc.AddInstruction(context.Background(), taskID, "user", "also do Y"))
	// Let the manager dispatch the instruction to the running runtime before
	// the tool returns.
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	e.waitStatus(t, taskID, task.StatusDone)

	history := e.conv.History(taskID)
	var toolIdx, instrIdx = -1, -1
	for i, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID == "c4" {
			toolIdx = i
		}
		if m.Role == llm.RoleUser && m.Content == "also do Y" {
			instrIdx = i
		}
	}
	require.GreaterOrEqual(t, toolIdx, 0, "tool result must be persisted")
	require.GreaterOrEqual(t, instrIdx, 0, "instruction must be injected")
	assert.Greater(t, instrIdx, toolIdx, "instruction lands after the tool result")
}

// Canceling mid-run aborts the loop without a completion event.
func TestCancelDuringToolRun(t *testing.T) {
	e := newEnv(t)

	gate := newGatedTool("gated")
	require.NoError(t, e.registry.Register(gate))

	call := llm.ToolCall{ID: "c5", Name: "gated", Arguments: json.RawMessage(`{}`)}
	a := &scriptedAgent{id: "worker", scripts: []scriptedStep{{
		message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
	}}}
	e.register(t, a)
	e.start(t)

	taskID := e.createTask(t, "doomed", "worker")
	<-gate.entered
	require.NoError(t, e.svc.CancelTask(context.Background(), taskID, "user", "changed plans"))
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	e.waitStatus(t, taskID, task.StatusCanceled)
	for _, typ := range e.eventTypes(taskID) {
		assert.NotEqual(t, events.TaskCompleted, typ)
	}
}

// gatedTool signals entry and blocks until released.
type gatedTool struct {
	name    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedTool(name string) *gatedTool {
	return &gatedTool{name: name, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTool) Name() string                              { return g.name }
func (g *gatedTool) Description() string                       { return "blocks until released" }
func (g *gatedTool) Group() tools.Group                        { return tools.GroupShell }
func (g *gatedTool) Parameters() json.RawMessage               { return json.RawMessage(`{"type":"object"}`) }
func (g *gatedTool) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskSafe }

func (g *gatedTool) Execute(ctx context.Context, _ json.RawMessage, _ *tools.Context) (*tools.Result, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return &tools.Result{Content: "gated done"}, nil
}
