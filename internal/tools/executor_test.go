package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
)

type stubTool struct {
	name    string
	risk    RiskLevel
	result  *Result
	execErr error
	preErr  error

	executed int
}

func (s *stubTool) Name() string                        { return s.name }
func (s *stubTool) Description() string                 { return "stub" }
func (s *stubTool) Group() Group                        { return GroupFilesystem }
func (s *stubTool) Parameters() json.RawMessage         { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) RiskLevel(json.RawMessage) RiskLevel { return s.risk }

func (s *stubTool) Execute(context.Context, json.RawMessage, *Context) (*Result, error) {
	s.executed++
	return s.result, s.execErr
}

func (s *stubTool) CanExecute(json.RawMessage, *Context) error { return s.preErr }

func newExecutor(t *testing.T, ts ...Tool) (*Executor, *audit.Log) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	registry := NewRegistry()
	for _, tool := range ts {
		require.NoError(t, registry.Register(tool))
	}
	return NewExecutor(registry, auditLog, nil, log), auditLog
}

func call(name string) llm.ToolCall {
	return llm.ToolCall{ID: "call-1", Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestExecuteSafeTool(t *testing.T) {
	tool := &stubTool{name: "echo", risk: RiskSafe, result: &Result{Content: "hi"}}
	exec, auditLog := newExecutor(t, tool)
	tctx := &Context{TaskID: "t1", ActorID: "agent:a"}

	res, err := exec.Execute(context.Background(), tctx, call("echo"))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, tool.executed)

	out, ok := auditLog.Outcome("t1", "call-1")
	require.True(t, ok)
	assert.Equal(t, audit.PhaseCompleted, out.Phase)
	assert.Equal(t, "hi", out.Result)
	assert.Empty(t, out.Error)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, _ := newExecutor(t)
	_, err := exec.Execute(context.Background(), &Context{TaskID: "t1"}, call("missing"))
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecuteRiskyWithoutConfirmation(t *testing.T) {
	tool := &stubTool{name: "rm", risk: RiskRisky, result: &Result{Content: "gone"}}
	exec, auditLog := newExecutor(t, tool)
	tctx := &Context{TaskID: "t1"}

	_, err := exec.Execute(context.Background(), tctx, call("rm"))
	assert.ErrorIs(t, err, ErrConfirmationRequired)
	assert.Zero(t, tool.executed)

	// The request is still audited, but no outcome exists.
	entries := auditLog.ForTask("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.PhaseRequested, entries[0].Phase)
	_, ok := auditLog.Outcome("t1", "call-1")
	assert.False(t, ok)
}

func TestExecuteRiskyConfirmationMustMatchCall(t *testing.T) {
	tool := &stubTool{name: "rm", risk: RiskRisky, result: &Result{Content: "gone"}}
	exec, _ := newExecutor(t, tool)
	tctx := &Context{
		TaskID:                 "t1",
		ConfirmedInteractionID: "i1",
		ConfirmedToolCallID:    "other-call",
	}

	_, err := exec.Execute(context.Background(), tctx, call("rm"))
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	tctx.ConfirmedToolCallID = "call-1"
	res, err := exec.Execute(context.Background(), tctx, call("rm"))
	require.NoError(t, err)
	assert.Equal(t, "gone", res.Content)
}

func TestExecuteToolErrorBecomesErrorResult(t *testing.T) {
	tool := &stubTool{name: "flaky", risk: RiskSafe, execErr: fmt.Errorf("disk full")}
	exec, auditLog := newExecutor(t, tool)

	res, err := exec.Execute(context.Background(), &Context{TaskID: "t1"}, call("flaky"))
	require.NoError(t, err, "tool failures are data, not Go errors")
	assert.True(t, res.IsError)
	assert.Equal(t, "disk full", res.Content)

	out, ok := auditLog.Outcome("t1", "call-1")
	require.True(t, ok)
	assert.Equal(t, "disk full", out.Error)
}

func TestRecordRejection(t *testing.T) {
	tool := &stubTool{name: "rm", risk: RiskRisky}
	exec, auditLog := newExecutor(t, tool)

	res, err := exec.RecordRejection(context.Background(), &Context{TaskID: "t1"}, call("rm"))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, RejectedResultContent, res.Content)
	assert.Zero(t, tool.executed)

	out, ok := auditLog.Outcome("t1", "call-1")
	require.True(t, ok)
	assert.Equal(t, audit.PhaseRejected, out.Phase)

	// Both the request and the rejection are visible to observers.
	entries := auditLog.ForTask("t1")
	require.Len(t, entries, 2)
	assert.Equal(t, audit.PhaseRequested, entries[0].Phase)
	assert.Equal(t, audit.PhaseRejected, entries[1].Phase)
}

func TestPreCheck(t *testing.T) {
	passing := &stubTool{name: "ok", risk: RiskSafe}
	failing := &stubTool{name: "bad", risk: RiskSafe, preErr: errors.New("path is required")}
	exec, _ := newExecutor(t, passing, failing)
	tctx := &Context{TaskID: "t1"}

	assert.NoError(t, exec.PreCheck(tctx, call("ok")))
	assert.EqualError(t, exec.PreCheck(tctx, call("bad")), "path is required")
	assert.ErrorIs(t, exec.PreCheck(tctx, call("missing")), ErrUnknownTool)
}

func TestRunBypassesConfirmation(t *testing.T) {
	safe := &stubTool{name: "echo", risk: RiskSafe, result: &Result{Content: "hi"}}
	broken := &stubTool{name: "flaky", risk: RiskSafe, result: ErrorResult("nope")}
	exec, _ := newExecutor(t, safe, broken)

	out, err := exec.Run(context.Background(), "t1", call("echo"))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = exec.Run(context.Background(), "t1", call("flaky"))
	assert.EqualError(t, err, "nope")
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubTool{name: "b"}))
	require.NoError(t, registry.Register(&stubTool{name: "a"}))
	assert.Error(t, registry.Register(&stubTool{name: "a"}), "duplicate names are rejected")

	assert.True(t, registry.Known("a"))
	assert.False(t, registry.Known("z"))

	defs := registry.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "b", defs[1].Name)
}

func TestContextConfirmationIsOneShot(t *testing.T) {
	tctx := &Context{ConfirmedInteractionID: "i1", ConfirmedToolCallID: "c1"}
	assert.True(t, tctx.Confirmed("c1"))
	assert.False(t, tctx.Confirmed("c2"))

	tctx.ClearConfirmation()
	assert.False(t, tctx.Confirmed("c1"))
	assert.Empty(t, tctx.ConfirmedInteractionID)
}
