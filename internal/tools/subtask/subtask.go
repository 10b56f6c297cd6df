// Package subtask implements the createSubtasks orchestration tool: it fans a
// parent task out into child tasks and waits for all of them to finish.
package subtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
)

const (
	// ToolName is the registered name of the orchestration tool.
	ToolName = "createSubtasks"

	// DefaultChildWaitTimeout bounds the wait for a single child task.
	DefaultChildWaitTimeout = 300 * time.Second

	cancelReason = "Parent task canceled"

	// recheckInterval re-reads the child stream while waiting, so a
	// terminal event dropped by a lossy subscription is still observed.
	recheckInterval = time.Second
)

// SubtaskInput is one requested child task.
type SubtaskInput struct {
	AgentID  string `json:"agentId"`
	Title    string `json:"title"`
	Intent   string `json:"intent,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type params struct {
	Subtasks []SubtaskInput `json:"subtasks"`
}

// ChildOutcome reports how one child task ended.
type ChildOutcome struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
	// Status is success, error, or cancel.
	Status string `json:"status"`
	// Detail carries the terminal summary or failure reason.
	Detail string `json:"detail,omitempty"`
	// Message is the child's final assistant message, when one exists.
	Message string `json:"message,omitempty"`
}

// Summary is the tool's structured result.
type Summary struct {
	Total    int            `json:"total"`
	Success  int            `json:"success"`
	Error    int            `json:"error"`
	Cancel   int            `json:"cancel"`
	Children []ChildOutcome `json:"children"`
}

// Tool creates child tasks and awaits their terminal events in parallel.
type Tool struct {
	svc     *service.Service
	store   *events.Store
	conv    *conversation.Store
	agents  *agent.Registry
	timeout time.Duration
	log     *logger.Logger
}

// New wires the tool. A non-positive timeout falls back to the default.
func New(svc *service.Service, store *events.Store, conv *conversation.Store, agents *agent.Registry, timeout time.Duration, log *logger.Logger) *Tool {
	if timeout <= 0 {
		timeout = DefaultChildWaitTimeout
	}
	return &Tool{
		svc:     svc,
		store:   store,
		conv:    conv,
		agents:  agents,
		timeout: timeout,
		log:     log.WithComponent("tools.subtask"),
	}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Split the current task into child tasks run by other agents and wait for all of them to finish. Only top-level tasks may use this."
}

func (t *Tool) Group() tools.Group { return tools.GroupOrchestration }

func (t *Tool) RiskLevel(json.RawMessage) tools.RiskLevel { return tools.RiskSafe }

func (t *Tool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"subtasks": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"agentId": {"type": "string", "description": "Registered agent to run the child task"},
						"title": {"type": "string", "description": "Short child task title"},
						"intent": {"type": "string", "description": "What the child task should achieve"},
						"priority": {"type": "string", "enum": ["foreground", "normal", "background"]}
					},
					"required": ["agentId", "title"]
				}
			}
		},
		"required": ["subtasks"]
	}`)
}

// CanExecute vetoes calls that would fail before any child is created.
func (t *Tool) CanExecute(args json.RawMessage, tctx *tools.Context) error {
	p, err := parseParams(args)
	if err != nil {
		return err
	}
	for _, in := range p.Subtasks {
		if !t.agents.Known(in.AgentID) {
			return fmt.Errorf("unknown agent %q", in.AgentID)
		}
		if err := rejectSelfSpawn(in.AgentID, tctx.ActorID); err != nil {
			return err
		}
	}
	return t.requireTopLevel(tctx.TaskID)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tctx *tools.Context) (*tools.Result, error) {
	p, err := parseParams(args)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	for _, in := range p.Subtasks {
		if !t.agents.Known(in.AgentID) {
			return tools.ErrorResult(fmt.Sprintf("unknown agent %q", in.AgentID)), nil
		}
		if err := rejectSelfSpawn(in.AgentID, tctx.ActorID); err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
	}
	if err := t.requireTopLevel(tctx.TaskID); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	log := t.log.WithTaskID(tctx.TaskID)

	childIDs := make([]string, 0, len(p.Subtasks))
	for _, in := range p.Subtasks {
		childID, err := t.svc.CreateTask(ctx, service.CreateTaskParams{
			Title:        in.Title,
			Intent:       in.Intent,
			Priority:     events.Priority(in.Priority),
			AgentID:      in.AgentID,
			ParentTaskID: tctx.TaskID,
			ActorID:      tctx.ActorID,
		})
		if err != nil {
			t.cancelChildren(childIDs)
			return tools.ErrorResult(fmt.Sprintf("create subtask %q: %v", in.Title, err)), nil
		}
		childIDs = append(childIDs, childID)
	}
	log.Info("subtasks created", zap.Int("children", len(childIDs)))

	outcomes := make([]ChildOutcome, len(childIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, childID := range childIDs {
		in := p.Subtasks[i]
		g.Go(func() error {
			outcomes[i] = t.awaitChild(gctx, childID, in)
			return nil
		})
	}
	// Workers report through outcomes, never through errors.
	_ = g.Wait()

	summary := Summary{Total: len(outcomes), Children: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case "success":
			summary.Success++
		case "cancel":
			summary.Cancel++
		default:
			summary.Error++
		}
	}
	content, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode subtask summary: %w", err)
	}
	log.Info("subtasks finished",
		zap.Int("success", summary.Success),
		zap.Int("error", summary.Error),
		zap.Int("cancel", summary.Cancel))
	return &tools.Result{Content: string(content), IsError: summary.Success == 0}, nil
}

// awaitChild blocks until the child reaches a terminal event, the timeout
// expires, or the parent is canceled. The two latter cases cancel the child.
func (t *Tool) awaitChild(ctx context.Context, childID string, in SubtaskInput) ChildOutcome {
	outcome := ChildOutcome{TaskID: childID, AgentID: in.AgentID, Title: in.Title}

	sub := t.store.Subscribe(64)
	defer sub.Unsubscribe()

	// Catch-up read closes the race against a child that finished before
	// the subscription was in place.
	if se := terminalEvent(t.store.ReadStream(childID)); se != nil {
		return t.resolve(outcome, se)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			t.cancelChild(childID)
			outcome.Status = "cancel"
			outcome.Detail = cancelReason
			return outcome

		case <-timer.C:
			t.cancelChild(childID)
			outcome.Status = "error"
			outcome.Detail = fmt.Sprintf("timed out after %s", t.timeout)
			return outcome

		case <-recheck.C:
			if se := terminalEvent(t.store.ReadStream(childID)); se != nil {
				return t.resolve(outcome, se)
			}

		case se, ok := <-sub.C():
			if !ok {
				// Store shut down under us; the stream is all we have.
				if se := terminalEvent(t.store.ReadStream(childID)); se != nil {
					return t.resolve(outcome, se)
				}
				outcome.Status = "error"
				outcome.Detail = "event stream closed"
				return outcome
			}
			if se.StreamID == childID && se.Type.Terminal() {
				return t.resolve(outcome, se)
			}
		}
	}
}

// resolve fills the outcome from the child's terminal event.
func (t *Tool) resolve(outcome ChildOutcome, se *events.StoredEvent) ChildOutcome {
	switch se.Type {
	case events.TaskCompleted:
		var p events.TaskCompletedPayload
		_ = se.Decode(&p)
		outcome.Status = "success"
		outcome.Detail = p.Summary
	case events.TaskFailed:
		var p events.TaskFailedPayload
		_ = se.Decode(&p)
		outcome.Status = "error"
		outcome.Detail = p.Reason
	case events.TaskCanceled:
		var p events.TaskCanceledPayload
		_ = se.Decode(&p)
		outcome.Status = "cancel"
		outcome.Detail = p.Reason
	}
	outcome.Message = lastAssistantMessage(t.conv.History(se.StreamID))
	return outcome
}

// cancelChild cancels one still-running child; already-terminal children
// reject the transition, which is fine.
func (t *Tool) cancelChild(childID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.svc.CancelTask(ctx, childID, "system", cancelReason); err != nil && !errors.Is(err, service.ErrInvalidTransition) {
		t.log.WithTaskID(childID).WithError(err).Warn("could not cascade-cancel child")
	}
}

func (t *Tool) cancelChildren(childIDs []string) {
	for _, id := range childIDs {
		t.cancelChild(id)
	}
}

// rejectSelfSpawn stops an agent from delegating to itself. The caller's
// actor id carries the "agent:" prefix set by the runtime.
func rejectSelfSpawn(agentID, actorID string) error {
	if actorID != "" && "agent:"+agentID == actorID {
		return fmt.Errorf("subtask agent %q is the calling agent, delegate to a different agent", agentID)
	}
	return nil
}

// requireTopLevel rejects nested orchestration: only tasks without a parent
// may create subtasks.
func (t *Tool) requireTopLevel(taskID string) error {
	stream := t.svc.ReplayStream(taskID)
	if len(stream) == 0 {
		return fmt.Errorf("unknown task %q", taskID)
	}
	payload, err := stream[0].CreatedPayload()
	if err != nil {
		return fmt.Errorf("read task origin: %w", err)
	}
	if payload.ParentTaskID != "" {
		return fmt.Errorf("subtasks may only be created by top-level tasks")
	}
	return nil
}

func parseParams(args json.RawMessage) (*params, error) {
	var p params
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(p.Subtasks) == 0 {
		return nil, fmt.Errorf("subtasks must not be empty")
	}
	for i, in := range p.Subtasks {
		if strings.TrimSpace(in.AgentID) == "" {
			return nil, fmt.Errorf("subtasks[%d]: agentId is required", i)
		}
		if strings.TrimSpace(in.Title) == "" {
			return nil, fmt.Errorf("subtasks[%d]: title is required", i)
		}
	}
	return &p, nil
}

func terminalEvent(stream []*events.StoredEvent) *events.StoredEvent {
	for _, se := range stream {
		if se.Type.Terminal() {
			return se
		}
	}
	return nil
}

func lastAssistantMessage(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleAssistant && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}
