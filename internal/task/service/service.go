// Package service is the command façade over the event log: every command
// validates the task's current state and appends exactly one event.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repository"
)

var (
	// ErrInvalidTransition rejects a command not admissible in the task's
	// current state. No event is appended.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleInteraction rejects a response that does not reference the
	// currently pending interaction.
	ErrStaleInteraction = errors.New("stale or unknown interaction")
	// ErrNotFound mirrors the repository sentinel.
	ErrNotFound = repository.ErrNotFound
)

// Service exposes the task command and query API.
type Service struct {
	store *events.Store
	repo  repository.Repository
	log   *logger.Logger

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// New wires the service.
func New(store *events.Store, repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		repo:    repo,
		log:     log.WithComponent("task.service"),
		streams: make(map[string]*sync.Mutex),
	}
}

// CreateTaskParams are the inputs for CreateTask.
type CreateTaskParams struct {
	Title        string
	Intent       string
	Priority     events.Priority
	AgentID      string
	ParentTaskID string
	ActorID      string
}

// CreateTask starts a new task stream and returns its id.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", fmt.Errorf("create task: title is required")
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return "", fmt.Errorf("create task: agent id is required")
	}
	if p.Priority == "" {
		p.Priority = events.PriorityNormal
	}
	switch p.Priority {
	case events.PriorityForeground, events.PriorityNormal, events.PriorityBackground:
	default:
		return "", fmt.Errorf("create task: unknown priority %q", p.Priority)
	}
	if p.ParentTaskID != "" {
		if _, err := s.currentStatus(p.ParentTaskID); err != nil {
			return "", fmt.Errorf("create task: parent: %w", err)
		}
	}

	taskID := uuid.New().String()
	_, err := s.store.Append(ctx, taskID, events.New(events.TaskCreated, p.ActorID, events.TaskCreatedPayload{
		Title:        p.Title,
		Intent:       p.Intent,
		Priority:     p.Priority,
		AgentID:      p.AgentID,
		ParentTaskID: p.ParentTaskID,
	}))
	if err != nil {
		return "", err
	}
	s.log.WithTaskID(taskID).WithAgentID(p.AgentID).Info("task created")
	return taskID, nil
}

// StartTask marks the task as executing.
func (s *Service) StartTask(ctx context.Context, taskID, actorID string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskStarted, actorID, nil))
}

// CompleteTask records the terminal summary.
func (s *Service) CompleteTask(ctx context.Context, taskID, actorID, summary string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskCompleted, actorID, events.TaskCompletedPayload{Summary: summary}))
}

// FailTask records the terminal failure.
func (s *Service) FailTask(ctx context.Context, taskID, actorID, reason string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskFailed, actorID, events.TaskFailedPayload{Reason: reason}))
}

// CancelTask cancels the task.
func (s *Service) CancelTask(ctx context.Context, taskID, actorID, reason string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskCanceled, actorID, events.TaskCanceledPayload{Reason: reason}))
}

// PauseTask suspends the task.
func (s *Service) PauseTask(ctx context.Context, taskID, actorID string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskPaused, actorID, nil))
}

// ResumeTask resumes a paused task.
func (s *Service) ResumeTask(ctx context.Context, taskID, actorID string) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskResumed, actorID, nil))
}

// AddInstruction appends a user instruction. Rejected on paused and canceled
// tasks; the user must resume or create a new task.
func (s *Service) AddInstruction(ctx context.Context, taskID, actorID, instruction string) error {
	if strings.TrimSpace(instruction) == "" {
		return fmt.Errorf("add instruction: empty instruction")
	}
	return s.appendGuarded(ctx, taskID, events.New(events.TaskInstructionAdded, actorID, events.TaskInstructionAddedPayload{Instruction: instruction}))
}

// UpdateTodoList replaces the task's todo list.
func (s *Service) UpdateTodoList(ctx context.Context, taskID, actorID string, todos []events.TodoItem) error {
	return s.appendGuarded(ctx, taskID, events.New(events.TaskTodoUpdated, actorID, events.TaskTodoUpdatedPayload{Todos: todos}))
}

// RequestInteraction raises a pending interaction, moving the task to
// awaiting_user.
func (s *Service) RequestInteraction(ctx context.Context, taskID, actorID string, req interaction.Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	return s.appendGuarded(ctx, taskID, events.New(events.InteractionRequested, actorID, events.InteractionRequestedPayload{Interaction: req}))
}

// RespondToInteraction resolves the currently pending interaction. The
// response must reference the pending interaction id; stale or duplicate
// responses are rejected without appending an event.
func (s *Service) RespondToInteraction(ctx context.Context, taskID, actorID string, resp interaction.Response) error {
	pending, err := s.PendingInteraction(ctx, taskID)
	if err != nil {
		return err
	}
	if pending == nil || pending.ID != resp.InteractionID {
		return fmt.Errorf("respond to %s: %w", resp.InteractionID, ErrStaleInteraction)
	}
	return s.appendGuarded(ctx, taskID, events.New(events.InteractionResponded, actorID, events.InteractionRespondedPayload{Response: resp}))
}

// PendingInteraction returns the unanswered interaction for a task, or nil.
func (s *Service) PendingInteraction(_ context.Context, taskID string) (*interaction.Request, error) {
	stream := s.store.ReadStream(taskID)
	if len(stream) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	var pending *interaction.Request
	for _, se := range stream {
		switch se.Type {
		case events.InteractionRequested:
			req, err := se.InteractionRequest()
			if err != nil {
				return nil, err
			}
			pending = req
		case events.InteractionResponded:
			resp, err := se.InteractionResponse()
			if err != nil {
				return nil, err
			}
			if pending != nil && pending.ID == resp.InteractionID {
				pending = nil
			}
		case events.TaskCompleted, events.TaskFailed, events.TaskCanceled:
			pending = nil
		}
	}
	return pending, nil
}

// GetTask returns the projected view of a task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*task.View, error) {
	return s.repo.Get(ctx, taskID)
}

// ListTasks returns all projected tasks.
func (s *Service) ListTasks(ctx context.Context) ([]*task.View, error) {
	return s.repo.List(ctx)
}

// Children returns a task's child tasks.
func (s *Service) Children(ctx context.Context, parentID string) ([]*task.View, error) {
	return s.repo.ListByParent(ctx, parentID)
}

// EventsAfter exposes the event query API.
func (s *Service) EventsAfter(afterID int64, limit int) ([]*events.StoredEvent, bool) {
	return s.store.EventsAfter(afterID, limit)
}

// EventByID looks up one event.
func (s *Service) EventByID(id int64) (*events.StoredEvent, bool) {
	return s.store.ReadByID(id)
}

// ReplayStream returns the full event stream of a task.
func (s *Service) ReplayStream(taskID string) []*events.StoredEvent {
	return s.store.ReadStream(taskID)
}

// appendGuarded validates the transition against the stream fold and appends
// the event. State is derived from the log itself so commands never race the
// projector. Fold and append run under a per-task lock: without it two
// concurrent commands could both pass the guard before either appends.
func (s *Service) appendGuarded(ctx context.Context, taskID string, ev events.Event) error {
	lock := s.streamLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	status, err := s.currentStatus(taskID)
	if err != nil {
		return err
	}
	if !task.CanTransition(status, ev.Type) {
		return fmt.Errorf("%s in state %s: %w", ev.Type, status, ErrInvalidTransition)
	}
	if _, err := s.store.Append(ctx, taskID, ev); err != nil {
		return err
	}
	return nil
}

// streamLock returns the mutex serializing guarded appends for one task.
func (s *Service) streamLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.streams[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.streams[taskID] = lock
	}
	return lock
}

// currentStatus folds the task's stream into its status.
func (s *Service) currentStatus(taskID string) (task.Status, error) {
	stream := s.store.ReadStream(taskID)
	if len(stream) == 0 {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	view, err := task.NewView(stream[0])
	if err != nil {
		return "", err
	}
	for _, se := range stream[1:] {
		if _, err := view.Apply(se); err != nil {
			return "", err
		}
	}
	return view.Status, nil
}
