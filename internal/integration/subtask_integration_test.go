package integration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tools/subtask"
)

// Two children run in parallel off one orchestration call; one succeeds and
// one fails, and the summary reflects both outcomes.
func TestParallelSubtasksOneFailure(t *testing.T) {
	e := newEnv(t)
	st := subtask.New(e.svc, e.store, e.conv, e.agents, 30*time.Second, e.log)
	require.NoError(t, e.registry.Register(st))

	childA := &scriptedAgent{id: "A", scripts: []scriptedStep{{
		message: &llm.Message{Role: llm.RoleAssistant, Content: "X is done"},
		outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "X is done"}},
	}}}
	childB := &scriptedAgent{id: "B", scripts: []scriptedStep{{
		outputs: []agent.Output{{Kind: agent.OutputFailed, Reason: "Y blew up"}},
	}}}

	call := llm.ToolCall{ID: "cs1", Name: "createSubtasks", Arguments: json.RawMessage(
		`{"subtasks":[{"agentId":"A","title":"X"},{"agentId":"B","title":"Y"}]}`)}
	parent := &scriptedAgent{id: "orchestrator", scripts: []scriptedStep{
		{
			message: &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			outputs: []agent.Output{{Kind: agent.OutputToolCall, ToolCall: &call}},
		},
		{
			message: &llm.Message{Role: llm.RoleAssistant, Content: "fan-out finished"},
			outputs: []agent.Output{{Kind: agent.OutputDone, Summary: "fan-out finished"}},
		},
	}}
	e.register(t, parent)
	e.register(t, childA)
	e.register(t, childB)
	e.start(t)

	parentID := e.createTask(t, "fan out", "orchestrator")
	e.waitStatus(t, parentID, task.StatusDone)

	// Both children reached a terminal state.
	children := e.childrenOf(t, parentID)
	require.Len(t, children, 2)

	var result *llm.Message
	history := e.conv.History(parentID)
	for i := range history {
		if history[i].Role == llm.RoleTool && history[i].ToolCallID == "cs1" {
			result = &history[i]
		}
	}
	require.NotNil(t, result, "subtask summary must be persisted as the tool result")

	var report subtask.Summary
	require.NoError(t, json.Unmarshal([]byte(result.Content), &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Success)
	assert.Equal(t, 1, report.Error)
	assert.Equal(t, 0, report.Cancel)

	outcomes := map[string]subtask.ChildOutcome{}
	for _, ct := range report.Children {
		outcomes[ct.Title] = ct
	}
	assert.Equal(t, "success", outcomes["X"].Status)
	assert.Equal(t, "error", outcomes["Y"].Status)
	assert.Contains(t, outcomes["Y"].Detail, "Y blew up")
}

func (e *env) childrenOf(t *testing.T, parentID string) []string {
	t.Helper()
	var ids []string
	for _, streamID := range e.store.Streams() {
		stream := e.store.ReadStream(streamID)
		if len(stream) == 0 {
			continue
		}
		payload, err := stream[0].CreatedPayload()
		if err != nil {
			continue
		}
		if payload.ParentTaskID == parentID {
			ids = append(ids, streamID)
		}
	}
	return ids
}
