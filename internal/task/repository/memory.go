package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/taskforge/taskforge/internal/task"
)

// Memory is an in-memory Repository, the default backend. It holds clones so
// callers can't mutate stored state.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.View
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.View)}
}

func (m *Memory) Upsert(_ context.Context, view *task.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[view.ID] = view.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*task.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*task.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(*task.View) bool { return true }), nil
}

func (m *Memory) ListByParent(_ context.Context, parentID string) ([]*task.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(v *task.View) bool { return v.ParentTaskID == parentID }), nil
}

func (m *Memory) ListByStatus(_ context.Context, status task.Status) ([]*task.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(v *task.View) bool { return v.Status == status }), nil
}

func (m *Memory) Close() error { return nil }

// collect is called with the read lock held.
func (m *Memory) collect(keep func(*task.View) bool) []*task.View {
	out := make([]*task.View, 0, len(m.tasks))
	for _, v := range m.tasks {
		if keep(v) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
