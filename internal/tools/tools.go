// Package tools defines the tool contract, the registry, and the executor
// that gates risky invocations behind user confirmation.
package tools

import (
	"context"
	"encoding/json"

	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/workspace"
)

// RiskLevel classifies a tool invocation.
type RiskLevel string

const (
	RiskSafe  RiskLevel = "safe"
	RiskRisky RiskLevel = "risky"
)

// Group organizes tools for presentation.
type Group string

const (
	GroupFilesystem    Group = "filesystem"
	GroupShell         Group = "shell"
	GroupOrchestration Group = "orchestration"
)

// Context carries per-invocation state into a tool. Abort is the task's
// cancellation context; tools must honor it.
type Context struct {
	TaskID  string
	ActorID string
	// ConfirmedInteractionID and ConfirmedToolCallID bind a user approval to
	// one specific tool call. The executor refuses risky calls unless
	// ConfirmedToolCallID matches the call id.
	ConfirmedInteractionID string
	ConfirmedToolCallID    string
	Workspace              *workspace.Store
}

// Confirmed reports whether the context approves the given call id.
func (c *Context) Confirmed(toolCallID string) bool {
	return c != nil && c.ConfirmedToolCallID != "" && c.ConfirmedToolCallID == toolCallID
}

// ClearConfirmation drops the one-shot approval binding.
func (c *Context) ClearConfirmation() {
	c.ConfirmedInteractionID = ""
	c.ConfirmedToolCallID = ""
}

// Result is a tool's outcome. Errors are data: they are persisted into the
// conversation, not thrown.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an error result.
func ErrorResult(msg string) *Result { return &Result{Content: msg, IsError: true} }

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() json.RawMessage
	Group() Group
	// RiskLevel may depend on the concrete arguments.
	RiskLevel(args json.RawMessage) RiskLevel
	Execute(ctx context.Context, args json.RawMessage, tctx *Context) (*Result, error)
}

// PreChecker is an optional pre-flight hook. A non-nil error vetoes the call;
// the error text is persisted as a synthetic tool result.
type PreChecker interface {
	CanExecute(args json.RawMessage, tctx *Context) error
}

// Definition converts a tool to its LM-facing description.
func Definition(t Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Parameters(),
	}
}
