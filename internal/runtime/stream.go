// Package runtime drives task execution: it interprets agent outputs, runs
// one execution loop per task, and routes domain events to those loops.
package runtime

import (
	"context"
	"sync"

	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/uibus"
)

// partKind labels one segment of a streamed assistant turn.
type partKind string

const (
	partText      partKind = "text"
	partReasoning partKind = "reasoning"
	partToolCall  partKind = "tool_call"
)

type part struct {
	kind     partKind
	text     string
	toolCall *llm.ToolCall
}

// StreamHandler forwards LM stream deltas to the UI bus and accumulates the
// ordered parts of the turn. When the stream finishes it persists the
// assistant message, so tool-call messages are durable before any tool runs.
type StreamHandler struct {
	taskID string
	bus    uibus.Bus
	conv   *conversation.Store

	mu        sync.Mutex
	parts     []part
	delivered bool
	persisted bool
}

// NewStreamHandler builds a handler for one agent step.
func NewStreamHandler(taskID string, bus uibus.Bus, conv *conversation.Store) *StreamHandler {
	return &StreamHandler{taskID: taskID, bus: bus, conv: conv}
}

// OnChunk is the per-chunk callback handed to the agent.
func (h *StreamHandler) OnChunk(ctx context.Context, chunk llm.StreamChunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case chunk.TextDelta != "":
		h.appendDelta(partText, chunk.TextDelta)
		h.delivered = true
		h.publish(ctx, uibus.KindStreamDelta, map[string]interface{}{"type": "text", "delta": chunk.TextDelta})
	case chunk.ReasoningDelta != "":
		h.appendDelta(partReasoning, chunk.ReasoningDelta)
		h.delivered = true
		h.publish(ctx, uibus.KindStreamDelta, map[string]interface{}{"type": "reasoning", "delta": chunk.ReasoningDelta})
	case chunk.ToolCall != nil:
		tc := *chunk.ToolCall
		h.parts = append(h.parts, part{kind: partToolCall, toolCall: &tc})
	case chunk.Err != nil:
		h.publish(ctx, uibus.KindStreamEnd, map[string]interface{}{"error": chunk.Err.Error()})
	case chunk.Done != nil:
		if err := h.persistLocked(chunk.Done); err != nil {
			return err
		}
		h.publish(ctx, uibus.KindStreamEnd, nil)
	}
	return nil
}

// Delivered reports whether any text or reasoning delta reached the UI; the
// output handler suppresses duplicate whole-message emissions then.
func (h *StreamHandler) Delivered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// appendDelta extends the trailing part when it has the same kind, so the
// interleaving of text, reasoning, and tool calls is preserved exactly.
func (h *StreamHandler) appendDelta(kind partKind, delta string) {
	if n := len(h.parts); n > 0 && h.parts[n-1].kind == kind {
		h.parts[n-1].text += delta
		return
	}
	h.parts = append(h.parts, part{kind: kind, text: delta})
}

// persistLocked writes the assembled assistant message once per step.
func (h *StreamHandler) persistLocked(final *llm.Response) error {
	if h.persisted {
		return nil
	}
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, p := range h.parts {
		switch p.kind {
		case partText:
			msg.Content += p.text
		case partReasoning:
			msg.Reasoning += p.text
		case partToolCall:
			msg.ToolCalls = append(msg.ToolCalls, *p.toolCall)
		}
	}
	if final != nil {
		if final.Message.Content != "" {
			msg.Content = final.Message.Content
		}
		if final.Message.Reasoning != "" {
			msg.Reasoning = final.Message.Reasoning
		}
		if len(final.Message.ToolCalls) > 0 {
			msg.ToolCalls = final.Message.ToolCalls
		}
	}
	if msg.Content == "" && msg.Reasoning == "" && len(msg.ToolCalls) == 0 {
		return nil
	}
	if _, err := h.conv.Append(h.taskID, msg); err != nil {
		return err
	}
	h.persisted = true
	return nil
}

func (h *StreamHandler) publish(ctx context.Context, kind uibus.Kind, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	// Fire and forget; UI delivery is best-effort.
	_ = h.bus.Publish(ctx, uibus.NewEvent(kind, h.taskID, data))
}
