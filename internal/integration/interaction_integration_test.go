package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task"
)

// writeAgent asks for one risky write_file call, re-yields it after a
// confirmation round, then finishes.
func writeAgent(id string, call llm.ToolCall) *scriptedAgent {
	return &scriptedAgent{id: id, scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}}},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "wrapped up"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "wrapped up"}},
		},
	}}
}

func (e *env) awaitPending(t *testing.T, taskID string) *interaction.Request {
	t.Helper()
	e.waitStatus(t, taskID, task.StatusAwaitingUser)
	var pending *interaction.Request
	require.Eventually(t, func() bool {
		p, err := e.svc.PendingInteraction(context.Background(), taskID)
		if err != nil || p == nil {
			return false
		}
		pending = p
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return pending
}

func TestRiskyToolApproved(t *testing.T) {
	e := newEnv(t)
	call := llm.ToolCall{ID: "c2", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"out.txt","content":"payload"}`)}
	e.register(t, writeAgent("writer", call))
	e.start(t)

	taskID := e.createTask(t, "write out.txt", "writer")
	pending := e.awaitPending(t, taskID)
	assert.Equal(t, interaction.PurposeConfirmRiskyAction, pending.Purpose)
	assert.Equal(t, "c2", pending.ToolCallID())

	require.NoError(t, e.svc.RespondToInteraction(context.Background(), taskID, "user",
		interaction.Response{InteractionID: pending.ID, SelectedOptionID: interaction.OptionApprove}))

	e.waitStatus(t, taskID, task.StatusDone)

	data, err := e.ws.Read("out.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.True(t, e.conv.HasToolResult(taskID, "c2"))
}

func TestRiskyToolRejected(t *testing.T) {
	e := newEnv(t)
	call := llm.ToolCall{ID: "c2", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"out.txt","content":"payload"}`)}

	// On rejection the dangling call is answered in repair, so the second
	// step already sees the refusal and finishes.
	a := &scriptedAgent{id: "writer", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "understood, skipping"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "understood, skipping"}},
		},
	}}
	e.register(t, a)
	e.start(t)

	taskID := e.createTask(t, "write out.txt", "writer")
	pending := e.awaitPending(t, taskID)

	require.NoError(t, e.svc.RespondToInteraction(context.Background(), taskID, "user",
		interaction.Response{InteractionID: pending.ID, SelectedOptionID: interaction.OptionReject}))

	e.waitStatus(t, taskID, task.StatusDone)

	_, err := e.ws.Read("out.txt")
	assert.Error(t, err, "rejected write must not happen")

	var rejection *llm.Message
	history := e.conv.History(taskID)
	for i := range history {
		if history[i].Role == llm.RoleTool && history[i].ToolCallID == "c2" {
			rejection = &history[i]
		}
	}
	require.NotNil(t, rejection)
	assert.Contains(t, rejection.Content, "User rejected")
}

// A stale interaction response is refused and does not resume the task.
func TestStaleInteractionResponseRejected(t *testing.T) {
	e := newEnv(t)
	call := llm.ToolCall{ID: "c2", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"out.txt","content":"payload"}`)}
	e.register(t, writeAgent("writer", call))
	e.start(t)

	taskID := e.createTask(t, "write out.txt", "writer")
	e.awaitPending(t, taskID)

	err := e.svc.RespondToInteraction(context.Background(), taskID, "user",
		interaction.Response{InteractionID: "not-the-pending-one", SelectedOptionID: interaction.OptionApprove})
	require.Error(t, err)

	st, ok := e.statusOK(taskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusAwaitingUser, st)
}
