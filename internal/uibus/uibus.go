// Package uibus carries fire-and-forget UI events from the runtime to
// transports. Delivery is best-effort; the durable record lives in the event
// store and the conversation store, never here.
package uibus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind labels the UI event variants.
type Kind string

const (
	KindAgentOutput   Kind = "agent_output"
	KindStreamDelta   Kind = "stream_delta"
	KindStreamEnd     Kind = "stream_end"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallEnd   Kind = "tool_call_end"
	KindAuditEntry    Kind = "audit_entry"
)

// Event is one UI bus message.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	TaskID    string                 `json:"task_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(kind Kind, taskID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subject builds the per-task subject an event is published on.
func Subject(kind Kind, taskID string) string {
	return "ui." + string(kind) + "." + taskID
}

// TaskWildcard matches every UI event of one task.
func TaskWildcard(taskID string) string { return "ui.*." + taskID }

// AllWildcard matches every UI event.
func AllWildcard() string { return "ui.*.*" }

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus publishes and subscribes UI events. Publish must never block on slow
// consumers.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
