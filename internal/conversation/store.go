// Package conversation persists per-task LM dialogues and repairs histories
// that were interrupted between a tool call and its result.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/storage/jsonl"
)

// Entry is one persisted message, tagged with its per-task index.
type Entry struct {
	TaskID    string      `json:"task_id"`
	Index     int         `json:"index"`
	Message   llm.Message `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store appends messages for all tasks into a single durable file and keeps
// per-task histories in memory.
type Store struct {
	mu      sync.Mutex
	file    *jsonl.File
	log     *logger.Logger
	entries map[string][]Entry
}

// Open loads the conversation file and opens it for appending.
func Open(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		log:     log.WithComponent("conversation.store"),
		entries: make(map[string][]Entry),
	}
	if err := jsonl.ScanInto(path, func(e Entry) error {
		s.entries[e.TaskID] = append(s.entries[e.TaskID], e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay conversations: %w", err)
	}
	var err error
	if s.file, err = jsonl.Open(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Append persists messages for a task, assigning consecutive indexes.
func (s *Store) Append(taskID string, msgs ...llm.Message) ([]Entry, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := len(s.entries[taskID])
	batch := make([]any, 0, len(msgs))
	added := make([]Entry, 0, len(msgs))
	for i, m := range msgs {
		e := Entry{TaskID: taskID, Index: next + i, Message: m, CreatedAt: now}
		batch = append(batch, e)
		added = append(added, e)
	}
	if err := s.file.AppendBatch(batch); err != nil {
		return nil, fmt.Errorf("append conversation %s: %w", taskID, err)
	}
	s.entries[taskID] = append(s.entries[taskID], added...)
	return added, nil
}

// History returns the task's messages in index order.
func (s *Store) History(taskID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[taskID]
	out := make([]llm.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Len returns the number of stored messages for a task.
func (s *Store) Len(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[taskID])
}

// HasToolResult reports whether a tool message answering toolCallID exists.
// Used to make tool-result persistence idempotent.
func (s *Store) HasToolResult(taskID, toolCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[taskID] {
		if e.Message.Role == llm.RoleTool && e.Message.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// AppendToolResultOnce persists a tool result unless one for the same call is
// already stored. Returns true if a message was appended.
func (s *Store) AppendToolResultOnce(taskID, toolCallID, toolName, content string) (bool, error) {
	if s.HasToolResult(taskID, toolCallID) {
		return false, nil
	}
	_, err := s.Append(taskID, llm.ToolResult(toolCallID, toolName, content))
	if err != nil {
		return false, err
	}
	return true, nil
}

// SafeToInject reports whether a new user message can be appended without
// breaking tool-call/result pairing: true when the last non-tool message is
// from the user, or when the last assistant message has every tool call
// answered.
func SafeToInject(history []llm.Message) bool {
	var lastAssistant *llm.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == llm.RoleTool {
			continue
		}
		if m.Role == llm.RoleUser || m.Role == llm.RoleSystem {
			return true
		}
		if m.Role == llm.RoleAssistant {
			lastAssistant = &history[i]
		}
		break
	}
	if lastAssistant == nil {
		return true
	}
	answered := answeredToolCalls(history)
	for _, tc := range lastAssistant.ToolCalls {
		if _, ok := answered[tc.ID]; !ok {
			return false
		}
	}
	return true
}

func answeredToolCalls(history []llm.Message) map[string]struct{} {
	answered := make(map[string]struct{})
	for _, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	return answered
}
