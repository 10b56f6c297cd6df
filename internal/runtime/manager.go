package runtime

import (
	"context"
	"sync"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/task"
)

// Manager routes domain events to per-task runtimes. Execution work items for
// one task are serialized by a per-task lock; different tasks run
// concurrently.
type Manager struct {
	store    *events.Store
	registry *agent.Registry
	deps     *Deps
	log      *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	locks    map[string]*sync.Mutex
	wg       sync.WaitGroup

	// cursor is the last event id handled. Bootstrap and Run own it in
	// sequence; it is never touched concurrently.
	cursor int64
}

// NewManager wires the manager.
func NewManager(store *events.Store, registry *agent.Registry, deps *Deps) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		deps:     deps,
		log:      deps.Log.WithComponent("runtime.manager"),
		runtimes: make(map[string]*Runtime),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Run subscribes to the event store and dispatches until ctx is done. Call
// Wait afterwards to let inflight work items finish.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.store.Subscribe(256)
	defer sub.Unsubscribe()

	// Events may have landed before the subscription registered.
	m.catchUp(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case se, ok := <-sub.C():
			if !ok {
				return nil
			}
			if se.ID <= m.cursor {
				continue
			}
			if se.ID > m.cursor+1 {
				// The lossy subscription dropped events; recover from the log.
				m.catchUp(ctx)
				continue
			}
			m.cursor = se.ID
			m.dispatch(ctx, se)
		}
	}
}

// catchUp dispatches every logged event past the cursor. Streams that have
// already folded to a terminal state only get their signal events delivered,
// so a lifecycle that ended while the manager was not listening does not
// restart its agent.
func (m *Manager) catchUp(ctx context.Context) {
	pending, _ := m.store.EventsAfter(m.cursor, 0)
	terminal := make(map[string]bool)
	for _, se := range pending {
		m.cursor = se.ID
		done, checked := terminal[se.StreamID]
		if !checked {
			done = task.StreamStatus(m.store.ReadStream(se.StreamID)).Terminal()
			terminal[se.StreamID] = done
		}
		if done {
			switch se.Type {
			case events.TaskPaused, events.TaskCanceled, events.TaskCompleted, events.TaskFailed:
				m.dispatch(ctx, se)
			}
			continue
		}
		m.dispatch(ctx, se)
	}
}

// Wait blocks until all spawned work items have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// taskLock returns the per-task mutex, creating it on first use.
func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// runtimeFor returns the live runtime for a task, if any.
func (m *Manager) runtimeFor(taskID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[taskID]
}

// ensureRuntime creates the runtime for a freshly created task when its agent
// is registered here.
func (m *Manager) ensureRuntime(se *events.StoredEvent) *Runtime {
	payload, err := se.CreatedPayload()
	if err != nil {
		m.log.WithTaskID(se.StreamID).WithError(err).Error("bad task.created payload")
		return nil
	}
	a, ok := m.registry.Get(payload.AgentID)
	if !ok {
		// Not our agent; another node may own it.
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, exists := m.runtimes[se.StreamID]; exists {
		return rt
	}
	rt := NewRuntime(se.StreamID, a, m.deps)
	m.runtimes[se.StreamID] = rt
	return rt
}

// dispose drops a terminal task's runtime; later events for it are ignored.
func (m *Manager) dispose(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runtimes, taskID)
	delete(m.locks, taskID)
}

// dispatch derives and schedules the work item for one event. Signal events
// (pause, cancel, instruction) act on runtime flags immediately; execution
// items run under the per-task lock.
func (m *Manager) dispatch(ctx context.Context, se *events.StoredEvent) {
	taskID := se.StreamID

	switch se.Type {
	case events.TaskCreated:
		if rt := m.ensureRuntime(se); rt != nil {
			m.spawnExecute(ctx, taskID, func(runCtx context.Context) error {
				return rt.Execute(runCtx)
			})
		}

	case events.InteractionResponded:
		rt := m.runtimeFor(taskID)
		if rt == nil {
			return
		}
		resp, err := se.InteractionResponse()
		if err != nil {
			m.log.WithTaskID(taskID).WithError(err).Error("bad interaction response payload")
			return
		}
		m.spawnExecute(ctx, taskID, func(runCtx context.Context) error {
			return rt.Resume(runCtx, resp)
		})

	case events.TaskPaused:
		if rt := m.runtimeFor(taskID); rt != nil {
			rt.OnPause()
		}

	case events.TaskResumed:
		rt := m.runtimeFor(taskID)
		if rt == nil {
			return
		}
		rt.OnResume()
		m.spawnExecute(ctx, taskID, func(runCtx context.Context) error {
			return rt.Execute(runCtx)
		})

	case events.TaskCanceled:
		if rt := m.runtimeFor(taskID); rt != nil {
			rt.OnCancel()
		}
		m.dispose(taskID)

	case events.TaskCompleted, events.TaskFailed:
		m.dispose(taskID)

	case events.TaskInstructionAdded:
		rt := m.runtimeFor(taskID)
		if rt == nil {
			// Instruction reactivates a disposed done/failed task.
			rt = m.reviveRuntime(taskID)
			if rt == nil {
				return
			}
		}
		var p events.TaskInstructionAddedPayload
		if err := se.Decode(&p); err != nil {
			m.log.WithTaskID(taskID).WithError(err).Error("bad instruction payload")
			return
		}
		runNow, err := rt.OnInstruction(p.Instruction)
		if err != nil {
			m.log.WithTaskID(taskID).WithError(err).Error("failed to take instruction")
			return
		}
		if runNow {
			m.spawnExecute(ctx, taskID, func(runCtx context.Context) error {
				return rt.Execute(runCtx)
			})
		}
	}
}

// reviveRuntime rebuilds a runtime from the task's creation event, for tasks
// reactivated after reaching done or failed.
func (m *Manager) reviveRuntime(taskID string) *Runtime {
	stream := m.store.ReadStream(taskID)
	if len(stream) == 0 || stream[0].Type != events.TaskCreated {
		return nil
	}
	return m.ensureRuntime(stream[0])
}

// spawnExecute runs one execution-class work item under the task's lock.
func (m *Manager) spawnExecute(ctx context.Context, taskID string, work func(context.Context) error) {
	lock := m.taskLock(taskID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		lock.Lock()
		defer lock.Unlock()
		if err := work(ctx); err != nil {
			m.log.WithTaskID(taskID).WithError(err).Error("work item failed")
		}
	}()
}

// Bootstrap schedules execution for tasks that were mid-flight when the
// process stopped. Terminality is judged by the folded final status, so a
// done or failed task revived by a later instruction is resumed too. The
// cursor is captured before the scan; anything appended during it is picked
// up by Run's catch-up.
func (m *Manager) Bootstrap(ctx context.Context) {
	m.cursor = m.store.LastID()
	for _, taskID := range m.store.Streams() {
		stream := m.store.ReadStream(taskID)
		if len(stream) == 0 || stream[0].Type != events.TaskCreated {
			continue
		}
		if task.StreamStatus(stream).Terminal() {
			continue
		}
		if rt := m.ensureRuntime(stream[0]); rt != nil {
			m.spawnExecute(ctx, taskID, func(runCtx context.Context) error {
				return rt.Execute(runCtx)
			})
		}
	}
}
