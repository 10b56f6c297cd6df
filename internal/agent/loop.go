package agent

import (
	"context"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
)

// LoopAgent is the default agent: one LM completion per step, tool calls
// forwarded to the runtime, done when the model stops calling tools.
type LoopAgent struct {
	id           string
	description  string
	model        string
	systemPrompt string
	client       llm.Client
	log          *logger.Logger
}

// NewLoopAgent builds a loop agent bound to an LM client.
func NewLoopAgent(id, description, model, systemPrompt string, client llm.Client, log *logger.Logger) *LoopAgent {
	return &LoopAgent{
		id:           id,
		description:  description,
		model:        model,
		systemPrompt: systemPrompt,
		client:       client,
		log:          log.WithAgentID(id),
	}
}

func (a *LoopAgent) ID() string          { return a.id }
func (a *LoopAgent) Description() string { return a.description }

// Step streams one completion. Text and reasoning deltas go to in.OnChunk as
// they arrive; assembled outputs are yielded on the returned channel. A
// history ending in unanswered tool calls (a risky call waiting for user
// confirmation) re-yields those calls instead of contacting the model.
func (a *LoopAgent) Step(ctx context.Context, in *StepInput) (<-chan Output, error) {
	if dangling := danglingToolCalls(in.History); len(dangling) > 0 {
		out := make(chan Output)
		go func() {
			defer close(out)
			for i := range dangling {
				if !a.emit(ctx, out, Output{Kind: OutputToolCall, ToolCall: &dangling[i]}) {
					return
				}
			}
		}()
		return out, nil
	}
	messages := make([]llm.Message, 0, len(in.History)+1)
	if a.systemPrompt != "" && (len(in.History) == 0 || in.History[0].Role != llm.RoleSystem) {
		messages = append(messages, llm.SystemMessage(a.systemPrompt))
	}
	messages = append(messages, in.History...)

	chunks, err := a.client.Stream(ctx, llm.Request{
		Model:    a.model,
		Messages: messages,
		Tools:    in.Tools,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Output)
	go func() {
		defer close(out)
		var text string
		var toolCalls []llm.ToolCall
		for chunk := range chunks {
			if in.OnChunk != nil {
				in.OnChunk(chunk)
			}
			switch {
			case chunk.Err != nil:
				a.emit(ctx, out, Output{Kind: OutputFailed, Err: chunk.Err})
				return
			case chunk.TextDelta != "":
				text += chunk.TextDelta
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case chunk.Done != nil:
				// The final response is authoritative where present.
				if chunk.Done.Message.Content != "" {
					text = chunk.Done.Message.Content
				}
				if len(chunk.Done.Message.ToolCalls) > 0 {
					toolCalls = chunk.Done.Message.ToolCalls
				}
			}
		}

		if text != "" {
			if !a.emit(ctx, out, Output{Kind: OutputText, Text: text}) {
				return
			}
		}
		if len(toolCalls) == 0 {
			a.emit(ctx, out, Output{Kind: OutputDone, Summary: text})
			return
		}
		for i := range toolCalls {
			if !a.emit(ctx, out, Output{Kind: OutputToolCall, ToolCall: &toolCalls[i]}) {
				return
			}
		}
	}()
	return out, nil
}

// danglingToolCalls returns the unanswered calls of the last assistant
// message.
func danglingToolCalls(history []llm.Message) []llm.ToolCall {
	answered := make(map[string]struct{})
	for _, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == llm.RoleTool {
			continue
		}
		if m.Role != llm.RoleAssistant {
			return nil
		}
		var dangling []llm.ToolCall
		for _, tc := range m.ToolCalls {
			if _, ok := answered[tc.ID]; !ok {
				dangling = append(dangling, tc)
			}
		}
		return dangling
	}
	return nil
}

func (a *LoopAgent) emit(ctx context.Context, out chan<- Output, o Output) bool {
	select {
	case out <- o:
		return true
	case <-ctx.Done():
		return false
	}
}
