// Package integration runs full-stack scenarios: real stores on disk, the
// projector feeding the view repository, and the runtime manager dispatching
// scripted agents off the event log.
package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/runtime"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
	"github.com/taskforge/taskforge/internal/tools/builtin"
	"github.com/taskforge/taskforge/internal/uibus"
	"github.com/taskforge/taskforge/internal/workspace"
)

// env is one fully wired process: durable stores in a temp dir, projection
// running, manager dispatching. Tests register agents before Start.
type env struct {
	dir      string
	log      *logger.Logger
	store    *events.Store
	conv     *conversation.Store
	audit    *audit.Log
	repo     repository.Repository
	svc      *service.Service
	registry *tools.Registry
	agents   *agent.Registry
	exec     *tools.Executor
	convMgr  *conversation.Manager
	deps     *runtime.Deps
	ws       *workspace.Store
	manager  *runtime.Manager
	ctx      context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := events.NewStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "projections.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conv, err := conversation.Open(filepath.Join(dir, "conversations.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { conv.Close() })

	auditLog, err := audit.Open(filepath.Join(dir, "audit.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	ws, err := workspace.New(filepath.Join(dir, "workspace"), log)
	require.NoError(t, err)

	repo := repository.NewMemory()
	svc := service.New(store, repo, log)

	bus := uibus.NewMemoryBus(log)
	t.Cleanup(bus.Close)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(builtin.ReadFile{}))
	require.NoError(t, registry.Register(builtin.WriteFile{}))
	require.NoError(t, registry.Register(builtin.ListDir{}))

	exec := tools.NewExecutor(registry, auditLog, bus, log)
	convMgr := conversation.NewManager(conv, auditLog, exec, log)

	e := &env{
		dir:      dir,
		log:      log,
		store:    store,
		conv:     conv,
		audit:    auditLog,
		repo:     repo,
		svc:      svc,
		registry: registry,
		agents:   agent.NewRegistry(),
		exec:     exec,
		convMgr:  convMgr,
		ws:       ws,
	}
	e.deps = &runtime.Deps{
		Service:   svc,
		Conv:      convMgr,
		Exec:      exec,
		Bus:       bus,
		Workspace: ws,
		Log:       log,
	}
	return e
}

// start runs the projector and the runtime manager until the test ends, in
// the same order the process boots: bootstrap, then the live feed.
func (e *env) start(t *testing.T) {
	t.Helper()
	e.manager = runtime.NewManager(e.store, e.agents, e.deps)

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.manager.Bootstrap(ctx)
	projector := task.NewProjector(e.store, e.repo, e.log)
	require.NoError(t, projector.CatchUp(ctx))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = projector.Run(ctx) }()
	go func() { defer wg.Done(); _ = e.manager.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		e.manager.Wait()
	})
}

func (e *env) register(t *testing.T, a agent.Agent) {
	t.Helper()
	require.NoError(t, e.agents.Register(a))
}

func (e *env) createTask(t *testing.T, title, agentID string) string {
	t.Helper()
	id, err := e.svc.CreateTask(context.Background(), service.CreateTaskParams{
		Title: title, AgentID: agentID, ActorID: "user",
	})
	require.NoError(t, err)
	return id
}

// statusOK folds the event stream; safe inside Eventually conditions.
func (e *env) statusOK(taskID string) (task.Status, bool) {
	stream := e.store.ReadStream(taskID)
	if len(stream) == 0 {
		return "", false
	}
	v, err := task.NewView(stream[0])
	if err != nil {
		return "", false
	}
	for _, se := range stream[1:] {
		if _, err := v.Apply(se); err != nil {
			return "", false
		}
	}
	return v.Status, true
}

func (e *env) waitStatus(t *testing.T, taskID string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.statusOK(taskID)
		return ok && st == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
}

// eventTypes projects a stream onto its event type sequence.
func (e *env) eventTypes(taskID string) []events.Type {
	stream := e.store.ReadStream(taskID)
	out := make([]events.Type, 0, len(stream))
	for _, se := range stream {
		out = append(out, se.Type)
	}
	return out
}

// scriptedAgent plays back one output script per step, optionally streaming
// an assistant message through OnChunk first.
type scriptedAgent struct {
	id string

	mu      sync.Mutex
	scripts []scriptedStep
	calls   int
}

type scriptedStep struct {
	message *llm.Message
	outputs []agent.Output
}

func (a *scriptedAgent) ID() string          { return a.id }
func (a *scriptedAgent) Description() string { return "scripted" }

func (a *scriptedAgent) Step(ctx context.Context, in *agent.StepInput) (<-chan agent.Output, error) {
	a.mu.Lock()
	var step scriptedStep
	if a.calls < len(a.scripts) {
		step = a.scripts[a.calls]
	}
	a.calls++
	a.mu.Unlock()

	if step.message != nil && in.OnChunk != nil {
		in.OnChunk(llm.StreamChunk{Done: &llm.Response{Message: *step.message}})
	}
	out := make(chan agent.Output, len(step.outputs))
	for _, o := range step.outputs {
		out <- o
	}
	close(out)
	return out, nil
}

func (a *scriptedAgent) stepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
