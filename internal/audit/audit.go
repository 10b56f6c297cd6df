// Package audit keeps a durable record of every tool invocation. The runtime
// consults it when repairing conversation histories that were cut off between
// a tool call and its result.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/storage/jsonl"
)

// Phase marks where a tool call is in its lifecycle.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseCompleted Phase = "completed"
	PhaseRejected  Phase = "rejected"
)

// Entry is one audit record. A tool call produces a requested entry before
// execution and a completed (or rejected) entry after.
type Entry struct {
	TaskID     string          `json:"task_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Phase      Phase           `json:"phase"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Log is the append-only audit store with an in-memory index by tool call.
type Log struct {
	mu   sync.Mutex
	file *jsonl.File
	log  *logger.Logger

	// Latest completed/rejected entry per (taskID, toolCallID).
	outcomes map[string]*Entry
	byTask   map[string][]*Entry
}

func key(taskID, toolCallID string) string { return taskID + "\x00" + toolCallID }

// Open loads the audit file and opens it for appending.
func Open(path string, log *logger.Logger) (*Log, error) {
	l := &Log{
		log:      log.WithComponent("audit"),
		outcomes: make(map[string]*Entry),
		byTask:   make(map[string][]*Entry),
	}
	if err := jsonl.ScanInto(path, func(e Entry) error {
		l.index(&e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay audit log: %w", err)
	}
	var err error
	if l.file, err = jsonl.Open(path); err != nil {
		return nil, err
	}
	return l, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Log) index(e *Entry) {
	l.byTask[e.TaskID] = append(l.byTask[e.TaskID], e)
	if e.Phase == PhaseCompleted || e.Phase == PhaseRejected {
		l.outcomes[key(e.TaskID, e.ToolCallID)] = e
	}
}

func (l *Log) append(e *Entry) error {
	e.CreatedAt = time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Append(e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	l.index(e)
	return nil
}

// ToolCallRequested records that a tool call is about to execute.
func (l *Log) ToolCallRequested(taskID, toolCallID, toolName string, args json.RawMessage) (*Entry, error) {
	e := &Entry{TaskID: taskID, ToolCallID: toolCallID, ToolName: toolName, Phase: PhaseRequested, Arguments: args}
	if err := l.append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ToolCallCompleted records the outcome of a tool call. execErr carries the
// tool's failure, if any; the entry is still a completed one.
func (l *Log) ToolCallCompleted(taskID, toolCallID, toolName, result string, execErr error) (*Entry, error) {
	e := &Entry{TaskID: taskID, ToolCallID: toolCallID, ToolName: toolName, Phase: PhaseCompleted, Result: result}
	if execErr != nil {
		e.Error = execErr.Error()
	}
	if err := l.append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ToolCallRejected records that the user declined a risky tool call.
func (l *Log) ToolCallRejected(taskID, toolCallID, toolName, reason string) (*Entry, error) {
	e := &Entry{TaskID: taskID, ToolCallID: toolCallID, ToolName: toolName, Phase: PhaseRejected, Error: reason}
	if err := l.append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Outcome returns the completed or rejected entry for a tool call, if one
// was recorded.
func (l *Log) Outcome(taskID, toolCallID string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.outcomes[key(taskID, toolCallID)]
	return e, ok
}

// ForTask returns all audit entries of a task in append order.
func (l *Log) ForTask(taskID string) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byTask[taskID]
	out := make([]*Entry, len(entries))
	copy(out, entries)
	return out
}
