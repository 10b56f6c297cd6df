package runtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
	"github.com/taskforge/taskforge/internal/uibus"
)

// HandleResult tells the execution loop what to do after one output.
type HandleResult struct {
	Pause    bool
	Terminal bool
}

// OutputHandler turns one agent output into its side effects: UI emissions,
// tool execution, domain events.
type OutputHandler struct {
	taskID  string
	actorID string
	svc     *service.Service
	conv    *conversation.Store
	exec    *tools.Executor
	bus     uibus.Bus
	stream  *StreamHandler
	log     *logger.Logger
}

// NewOutputHandler builds a handler for one agent step. stream may be nil
// when no streaming is active.
func NewOutputHandler(taskID, actorID string, svc *service.Service, conv *conversation.Store, exec *tools.Executor, bus uibus.Bus, stream *StreamHandler, log *logger.Logger) *OutputHandler {
	return &OutputHandler{
		taskID:  taskID,
		actorID: actorID,
		svc:     svc,
		conv:    conv,
		exec:    exec,
		bus:     bus,
		stream:  stream,
		log:     log.WithTaskID(taskID),
	}
}

// Handle processes one output.
func (h *OutputHandler) Handle(ctx context.Context, tctx *tools.Context, out agent.Output) (HandleResult, error) {
	switch out.Kind {
	case agent.OutputText, agent.OutputReasoning:
		// Streaming already delivered this content as deltas.
		if h.stream != nil && h.stream.Delivered() {
			return HandleResult{}, nil
		}
		h.emitAgentOutput(ctx, string(out.Kind), out.Text)
		return HandleResult{}, nil

	case agent.OutputVerbose, agent.OutputError:
		h.emitAgentOutput(ctx, string(out.Kind), out.Text)
		return HandleResult{}, nil

	case agent.OutputToolCall:
		return h.handleToolCall(ctx, tctx, *out.ToolCall)

	case agent.OutputInteraction:
		req := *out.Interaction
		if err := h.svc.RequestInteraction(ctx, h.taskID, h.actorID, req); err != nil {
			return HandleResult{}, err
		}
		return HandleResult{Pause: true}, nil

	case agent.OutputDone:
		if err := h.svc.CompleteTask(ctx, h.taskID, h.actorID, out.Summary); err != nil {
			return HandleResult{}, err
		}
		return HandleResult{Terminal: true}, nil

	case agent.OutputFailed:
		reason := out.Reason
		if reason == "" && out.Err != nil {
			reason = out.Err.Error()
		}
		if err := h.svc.FailTask(ctx, h.taskID, h.actorID, reason); err != nil {
			return HandleResult{}, err
		}
		if out.Err != nil {
			return HandleResult{Terminal: true}, out.Err
		}
		return HandleResult{Terminal: true}, nil
	}
	return HandleResult{}, nil
}

func (h *OutputHandler) handleToolCall(ctx context.Context, tctx *tools.Context, call llm.ToolCall) (HandleResult, error) {
	if err := h.exec.PreCheck(tctx, call); err != nil {
		if _, perr := h.conv.AppendToolResultOnce(h.taskID, call.ID, call.Name, errorContent(err.Error())); perr != nil {
			return HandleResult{}, perr
		}
		return HandleResult{}, nil
	}

	risky := h.exec.Risky(call)
	if risky && !tctx.Confirmed(call.ID) {
		req := interaction.NewRiskyActionConfirm(uuid.New().String(), call.Name, call.ID, string(call.Arguments))
		if err := h.svc.RequestInteraction(ctx, h.taskID, h.actorID, *req); err != nil {
			return HandleResult{}, err
		}
		return HandleResult{Pause: true}, nil
	}

	h.publish(ctx, uibus.KindToolCallStart, map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
	})

	result, err := h.exec.Execute(ctx, tctx, call)
	if err != nil {
		// Executor-level refusal (unknown tool, lost confirmation race) is
		// data for the model, not a crash.
		result = tools.ErrorResult(err.Error())
	}

	h.publish(ctx, uibus.KindToolCallEnd, map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"is_error":     result.IsError,
	})

	content := result.Content
	if result.IsError {
		content = errorContent(result.Content)
	}
	if _, err := h.conv.AppendToolResultOnce(h.taskID, call.ID, call.Name, content); err != nil {
		return HandleResult{}, err
	}

	// Approval bindings are one-shot.
	if risky {
		tctx.ClearConfirmation()
	}
	return HandleResult{}, nil
}

// HandleRejection answers the dangling risky calls bound to a rejected
// confirmation: record the rejection in the audit log and persist the error
// result so the history pairs up again.
func (h *OutputHandler) HandleRejection(ctx context.Context, tctx *tools.Context, toolCallID string) error {
	history := h.conv.History(h.taskID)
	answered := make(map[string]struct{})
	for _, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	for _, m := range history {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID != toolCallID {
				continue
			}
			if _, done := answered[tc.ID]; done {
				continue
			}
			result, err := h.exec.RecordRejection(ctx, tctx, tc)
			if err != nil {
				return err
			}
			if _, err := h.conv.AppendToolResultOnce(h.taskID, tc.ID, tc.Name, errorContent(result.Content)); err != nil {
				return err
			}
			answered[tc.ID] = struct{}{}
		}
	}
	return nil
}

func (h *OutputHandler) emitAgentOutput(ctx context.Context, kind, text string) {
	h.publish(ctx, uibus.KindAgentOutput, map[string]interface{}{
		"type": kind,
		"text": text,
	})
}

func (h *OutputHandler) publish(ctx context.Context, kind uibus.Kind, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, uibus.NewEvent(kind, h.taskID, data)); err != nil {
		h.log.WithError(err).Warn("failed to publish ui event")
	}
}

// errorContent wraps an error message in the JSON shape tool consumers expect.
func errorContent(msg string) string {
	b, _ := json.Marshal(map[string]interface{}{"isError": true, "error": msg})
	return string(b)
}
