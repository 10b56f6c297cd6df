package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
)

type scriptedClient struct {
	chunks [][]llm.StreamChunk
	calls  int
	reqs   []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	return nil, assert.AnError
}

func (c *scriptedClient) Stream(_ context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	c.reqs = append(c.reqs, req)
	out := make(chan llm.StreamChunk, 16)
	script := c.chunks[c.calls]
	c.calls++
	go func() {
		defer close(out)
		for _, ch := range script {
			out <- ch
		}
	}()
	return out, nil
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func drain(t *testing.T, ch <-chan Output) []Output {
	t.Helper()
	var out []Output
	for o := range ch {
		out = append(out, o)
	}
	return out
}

func TestLoopAgentDoneWithoutToolCalls(t *testing.T) {
	client := &scriptedClient{chunks: [][]llm.StreamChunk{{
		{TextDelta: "all "},
		{TextDelta: "set"},
		{Done: &llm.Response{Message: llm.AssistantMessage("all set"), StopReason: "stop"}},
	}}}
	a := NewLoopAgent("default", "", "", "be helpful", client, testLog(t))

	var deltas []string
	ch, err := a.Step(context.Background(), &StepInput{
		TaskID:  "task-1",
		History: []llm.Message{llm.UserMessage("hi")},
		OnChunk: func(c llm.StreamChunk) {
			if c.TextDelta != "" {
				deltas = append(deltas, c.TextDelta)
			}
		},
	})
	require.NoError(t, err)

	outputs := drain(t, ch)
	require.Len(t, outputs, 2)
	assert.Equal(t, OutputText, outputs[0].Kind)
	assert.Equal(t, "all set", outputs[0].Text)
	assert.Equal(t, OutputDone, outputs[1].Kind)
	assert.Equal(t, "all set", outputs[1].Summary)
	assert.Equal(t, []string{"all ", "set"}, deltas)

	// System prompt was prepended.
	require.NotEmpty(t, client.reqs)
	assert.Equal(t, llm.RoleSystem, client.reqs[0].Messages[0].Role)
}

func TestLoopAgentYieldsToolCalls(t *testing.T) {
	client := &scriptedClient{chunks: [][]llm.StreamChunk{{
		{ToolCall: &llm.ToolCall{ID: "c1", Name: "read_file"}},
		{Done: &llm.Response{Message: llm.AssistantToolCalls(llm.ToolCall{ID: "c1", Name: "read_file"}), StopReason: "tool_use"}},
	}}}
	a := NewLoopAgent("default", "", "", "", client, testLog(t))

	ch, err := a.Step(context.Background(), &StepInput{TaskID: "task-1", History: []llm.Message{llm.UserMessage("read")}})
	require.NoError(t, err)

	outputs := drain(t, ch)
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputToolCall, outputs[0].Kind)
	assert.Equal(t, "c1", outputs[0].ToolCall.ID)
}

func TestLoopAgentStreamError(t *testing.T) {
	client := &scriptedClient{chunks: [][]llm.StreamChunk{{
		{Err: assert.AnError},
	}}}
	a := NewLoopAgent("default", "", "", "", client, testLog(t))

	ch, err := a.Step(context.Background(), &StepInput{TaskID: "task-1"})
	require.NoError(t, err)

	outputs := drain(t, ch)
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputFailed, outputs[0].Kind)
	assert.ErrorIs(t, outputs[0].Err, assert.AnError)
}
