// Package events provides the durable append-only domain event log that the
// rest of the system is reduced from. Events are partitioned into streams
// (one stream per task, streamID == taskID), ordered globally by id and per
// stream by seq.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/interaction"
)

// Type tags a domain event variant.
type Type string

const (
	TaskCreated          Type = "task.created"
	TaskStarted          Type = "task.started"
	TaskCompleted        Type = "task.completed"
	TaskFailed           Type = "task.failed"
	TaskCanceled         Type = "task.canceled"
	TaskPaused           Type = "task.paused"
	TaskResumed          Type = "task.resumed"
	TaskInstructionAdded Type = "task.instruction_added"
	TaskTodoUpdated      Type = "task.todo_updated"
	InteractionRequested Type = "interaction.requested"
	InteractionResponded Type = "interaction.responded"
)

// Terminal reports whether the event type ends a task's lifecycle.
func (t Type) Terminal() bool {
	switch t {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Priority classifies how eagerly a task should be scheduled relative to others.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// TodoItem is one entry of a task's todo list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Event is a domain event before storage. Payload holds the variant-specific
// body; ActorID identifies the author (user or agent).
type Event struct {
	Type    Type            `json:"type"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StoredEvent is an Event with identity assigned by the store.
// ID increases strictly across all streams; Seq increases strictly per stream.
type StoredEvent struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"stream_id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Event
}

// TaskID returns the task this event belongs to (streamID == taskID).
func (e *StoredEvent) TaskID() string { return e.StreamID }

// TaskCreatedPayload starts a task's stream.
type TaskCreatedPayload struct {
	Title        string   `json:"title"`
	Intent       string   `json:"intent,omitempty"`
	Priority     Priority `json:"priority"`
	AgentID      string   `json:"agent_id"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
}

// TaskCompletedPayload carries the terminal summary.
type TaskCompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

// TaskFailedPayload carries the terminal failure reason.
type TaskFailedPayload struct {
	Reason string `json:"reason"`
}

// TaskCanceledPayload carries the cancel reason.
type TaskCanceledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TaskInstructionAddedPayload carries a user instruction for a task.
type TaskInstructionAddedPayload struct {
	Instruction string `json:"instruction"`
}

// TaskTodoUpdatedPayload replaces the task's todo list.
type TaskTodoUpdatedPayload struct {
	Todos []TodoItem `json:"todos"`
}

// InteractionRequestedPayload raises a pending user interaction.
type InteractionRequestedPayload struct {
	Interaction interaction.Request `json:"interaction"`
}

// InteractionRespondedPayload resolves a pending interaction.
type InteractionRespondedPayload struct {
	Response interaction.Response `json:"response"`
}

// New builds an Event with the payload marshaled. It panics on a payload that
// cannot be marshaled, which only happens for programming errors.
func New(t Type, actorID string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("events: marshal %s payload: %v", t, err))
		}
		raw = b
	}
	return Event{Type: t, ActorID: actorID, Payload: raw}
}

// Decode unmarshals the payload into out. A missing payload is not an error.
func (e *Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// CreatedPayload decodes a TaskCreated payload.
func (e *Event) CreatedPayload() (*TaskCreatedPayload, error) {
	var p TaskCreatedPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// InteractionRequest decodes an InteractionRequested payload.
func (e *Event) InteractionRequest() (*interaction.Request, error) {
	var p InteractionRequestedPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	return &p.Interaction, nil
}

// InteractionResponse decodes an InteractionResponded payload.
func (e *Event) InteractionResponse() (*interaction.Response, error) {
	var p InteractionRespondedPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	return &p.Response, nil
}
