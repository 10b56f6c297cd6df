package conversation

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
)

// interruptedError is the content injected for tool calls that can no longer
// be answered by a real execution.
type interruptedError struct {
	IsError bool   `json:"isError"`
	Error   string `json:"error"`
}

func interruptedContent(reason string) string {
	b, _ := json.Marshal(interruptedError{IsError: true, Error: "Tool execution interrupted (" + reason + ")"})
	return string(b)
}

// ToolRunner is the slice of the tool executor the repair procedure needs.
type ToolRunner interface {
	// Known reports whether the tool is registered.
	Known(name string) bool
	// Risky reports whether the call requires user confirmation.
	Risky(call llm.ToolCall) bool
	// Run executes the tool directly, bypassing confirmation checks.
	Run(ctx context.Context, taskID string, call llm.ToolCall) (string, error)
}

// Manager repairs a task's history before the agent resumes.
type Manager struct {
	store  *Store
	audit  *audit.Log
	runner ToolRunner
	log    *logger.Logger
}

// NewManager wires the repair procedure.
func NewManager(store *Store, auditLog *audit.Log, runner ToolRunner, log *logger.Logger) *Manager {
	return &Manager{store: store, audit: auditLog, runner: runner, log: log.WithComponent("conversation.repair")}
}

// Store exposes the underlying conversation store.
func (m *Manager) Store() *Store { return m.store }

// Repair answers every dangling tool call in the task's history. For each
// outstanding call the first applicable strategy wins: recover the recorded
// outcome from the audit log; mark unknown tools as interrupted; re-execute
// safe tools; leave risky tools dangling so the agent re-requests
// confirmation. Running repair twice is a no-op.
func (m *Manager) Repair(ctx context.Context, taskID string) error {
	history := m.store.History(taskID)
	answered := answeredToolCalls(history)

	for _, msg := range history {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if _, ok := answered[tc.ID]; ok {
				continue
			}
			content, repaired, err := m.repairCall(ctx, taskID, tc)
			if err != nil {
				return err
			}
			if !repaired {
				continue
			}
			if _, err := m.store.Append(taskID, llm.ToolResult(tc.ID, tc.Name, content)); err != nil {
				return err
			}
			answered[tc.ID] = struct{}{}
			m.log.WithTaskID(taskID).Info("repaired dangling tool call",
				zap.String("tool_call_id", tc.ID),
				zap.String("tool", tc.Name))
		}
	}
	return nil
}

// repairCall picks the repair content for one dangling call. repaired=false
// leaves the call dangling (risky tools).
func (m *Manager) repairCall(ctx context.Context, taskID string, tc llm.ToolCall) (content string, repaired bool, err error) {
	if out, ok := m.audit.Outcome(taskID, tc.ID); ok {
		if out.Error != "" {
			return interruptedContent(out.Error), true, nil
		}
		return out.Result, true, nil
	}
	if !m.runner.Known(tc.Name) {
		return interruptedContent("Unknown tool"), true, nil
	}
	if m.runner.Risky(tc) {
		return "", false, nil
	}
	result, runErr := m.runner.Run(ctx, taskID, tc)
	if runErr != nil {
		return interruptedContent(runErr.Error()), true, nil
	}
	return result, true, nil
}
