package tools

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/uibus"
)

// ErrConfirmationRequired is returned for a risky call without a matching
// approval binding.
var ErrConfirmationRequired = errors.New("confirmation required")

// ErrUnknownTool is returned for calls naming an unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// RejectedResultContent is persisted when the user declines a risky call.
const RejectedResultContent = "User rejected"

// Executor runs tool calls with audit logging and risky-call gating.
type Executor struct {
	registry *Registry
	audit    *audit.Log
	bus      uibus.Bus
	log      *logger.Logger
}

// NewExecutor wires the executor. bus may be nil in tests.
func NewExecutor(registry *Registry, auditLog *audit.Log, bus uibus.Bus, log *logger.Logger) *Executor {
	return &Executor{registry: registry, audit: auditLog, bus: bus, log: log.WithComponent("tools.executor")}
}

// Registry exposes the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Known reports whether the tool is registered.
func (e *Executor) Known(name string) bool { return e.registry.Known(name) }

// Risky reports whether the call would require confirmation.
func (e *Executor) Risky(call llm.ToolCall) bool {
	t, ok := e.registry.Get(call.Name)
	if !ok {
		return false
	}
	return t.RiskLevel(call.Arguments) == RiskRisky
}

// Execute runs one tool call. The flow: audit the request, gate risky calls
// on the confirmation binding, run the tool, audit the outcome. Tool failures
// come back as an error Result, not a Go error.
func (e *Executor) Execute(ctx context.Context, tctx *Context, call llm.ToolCall) (*Result, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", call.Name, ErrUnknownTool)
	}

	if entry, err := e.audit.ToolCallRequested(tctx.TaskID, call.ID, call.Name, call.Arguments); err != nil {
		return nil, err
	} else {
		e.publishAudit(ctx, tctx.TaskID, entry)
	}

	if tool.RiskLevel(call.Arguments) == RiskRisky && !tctx.Confirmed(call.ID) {
		return nil, fmt.Errorf("risky tool %s (call %s): %w", call.Name, call.ID, ErrConfirmationRequired)
	}

	result, execErr := tool.Execute(ctx, call.Arguments, tctx)
	if execErr != nil {
		result = ErrorResult(execErr.Error())
	}
	if result == nil {
		result = &Result{}
	}

	var auditErr error
	if result.IsError {
		auditErr = errors.New(result.Content)
	}
	if entry, err := e.audit.ToolCallCompleted(tctx.TaskID, call.ID, call.Name, result.Content, auditErr); err != nil {
		return nil, err
	} else {
		e.publishAudit(ctx, tctx.TaskID, entry)
	}

	e.log.WithTaskID(tctx.TaskID).Debug("tool executed",
		zap.String("tool", call.Name),
		zap.String("tool_call_id", call.ID),
		zap.Bool("is_error", result.IsError))
	return result, nil
}

// PreCheck runs the tool's optional pre-flight hook.
func (e *Executor) PreCheck(tctx *Context, call llm.ToolCall) error {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return fmt.Errorf("%s: %w", call.Name, ErrUnknownTool)
	}
	if checker, ok := tool.(PreChecker); ok {
		return checker.CanExecute(call.Arguments, tctx)
	}
	return nil
}

// RecordRejection audits a declined risky call as a request-and-rejection
// pair and returns the error result to persist.
func (e *Executor) RecordRejection(ctx context.Context, tctx *Context, call llm.ToolCall) (*Result, error) {
	if entry, err := e.audit.ToolCallRequested(tctx.TaskID, call.ID, call.Name, call.Arguments); err != nil {
		return nil, err
	} else {
		e.publishAudit(ctx, tctx.TaskID, entry)
	}
	if entry, err := e.audit.ToolCallRejected(tctx.TaskID, call.ID, call.Name, RejectedResultContent); err != nil {
		return nil, err
	} else {
		e.publishAudit(ctx, tctx.TaskID, entry)
	}
	return ErrorResult(RejectedResultContent), nil
}

// Run executes a call bypassing the confirmation gate. Used by history repair
// to re-execute safe tools; callers must not pass risky calls.
func (e *Executor) Run(ctx context.Context, taskID string, call llm.ToolCall) (string, error) {
	tctx := &Context{TaskID: taskID, ActorID: "repair"}
	result, err := e.Execute(ctx, tctx, call)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", errors.New(result.Content)
	}
	return result.Content, nil
}

func (e *Executor) publishAudit(ctx context.Context, taskID string, entry *audit.Entry) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(ctx, uibus.NewEvent(uibus.KindAuditEntry, taskID, map[string]interface{}{
		"tool_call_id": entry.ToolCallID,
		"tool_name":    entry.ToolName,
		"phase":        string(entry.Phase),
		"error":        entry.Error,
	}))
	if err != nil {
		e.log.WithError(err).Warn("failed to publish audit entry")
	}
}
