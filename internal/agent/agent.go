// Package agent defines the agent contract and the default LM loop agent.
// An agent yields a stream of outputs per step; the runtime interprets them.
package agent

import (
	"context"

	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/llm"
)

// OutputKind labels agent output variants.
type OutputKind string

const (
	OutputText        OutputKind = "text"
	OutputReasoning   OutputKind = "reasoning"
	OutputVerbose     OutputKind = "verbose"
	OutputError       OutputKind = "error"
	OutputToolCall    OutputKind = "tool_call"
	OutputInteraction OutputKind = "interaction"
	OutputDone        OutputKind = "done"
	OutputFailed      OutputKind = "failed"
)

// Output is one value yielded by an agent step. Err aborts the step: the
// runtime fails the task and surfaces the error.
type Output struct {
	Kind        OutputKind
	Text        string
	ToolCall    *llm.ToolCall
	Interaction *interaction.Request
	// Summary accompanies done; Reason accompanies failed.
	Summary string
	Reason  string
	Err     error
}

// StepInput is the state an agent sees at the start of one step.
type StepInput struct {
	TaskID  string
	History []llm.Message
	Tools   []llm.ToolDefinition
	// OnChunk, when set, receives raw LM stream chunks as they arrive so the
	// runtime can fan deltas out to the UI.
	OnChunk func(llm.StreamChunk)
}

// Agent runs one task step at a time. The returned channel is closed when the
// step ends; implementations must stop promptly when ctx is canceled.
type Agent interface {
	ID() string
	Description() string
	Step(ctx context.Context, in *StepInput) (<-chan Output, error)
}
