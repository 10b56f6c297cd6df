package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskforge/taskforge/internal/llm"
)

// Registry holds the available tools. Read-mostly: registration happens at
// startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate names are a startup error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Known reports whether the name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions returns the LM-facing descriptions of all tools.
func (r *Registry) Definitions() []llm.ToolDefinition {
	list := r.List()
	out := make([]llm.ToolDefinition, 0, len(list))
	for _, t := range list {
		out = append(out, Definition(t))
	}
	return out
}
