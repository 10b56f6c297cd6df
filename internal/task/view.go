package task

import (
	"time"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
)

// View is the read model of one task, reduced from its event stream.
type View struct {
	ID                   string               `json:"id" db:"id"`
	Title                string               `json:"title" db:"title"`
	Intent               string               `json:"intent,omitempty" db:"intent"`
	Priority             events.Priority      `json:"priority" db:"priority"`
	AgentID              string               `json:"agent_id" db:"agent_id"`
	Status               Status               `json:"status" db:"status"`
	ParentTaskID         string               `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ChildTaskIDs         []string             `json:"child_task_ids,omitempty" db:"-"`
	PendingInteraction   *interaction.Request `json:"pending_interaction,omitempty" db:"-"`
	PendingInteractionID string               `json:"pending_interaction_id,omitempty" db:"pending_interaction_id"`
	Summary              string               `json:"summary,omitempty" db:"summary"`
	FailureReason        string               `json:"failure_reason,omitempty" db:"failure_reason"`
	Todos                []events.TodoItem    `json:"todos,omitempty" db:"-"`
	LastEventID          int64                `json:"last_event_id" db:"last_event_id"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the repository.
func (v *View) Clone() *View {
	if v == nil {
		return nil
	}
	c := *v
	c.ChildTaskIDs = append([]string(nil), v.ChildTaskIDs...)
	c.Todos = append([]events.TodoItem(nil), v.Todos...)
	if v.PendingInteraction != nil {
		pi := *v.PendingInteraction
		c.PendingInteraction = &pi
	}
	return &c
}

// Apply folds one stored event into the view. It returns false without
// mutating when the transition is not admissible. TaskCreated events are
// folded by NewView, not here.
func (v *View) Apply(se *events.StoredEvent) (bool, error) {
	if !CanTransition(v.Status, se.Type) {
		return false, nil
	}
	switch se.Type {
	case events.TaskStarted:
		// Restarting keeps the previous summary and todos for context.
	case events.TaskCompleted:
		var p events.TaskCompletedPayload
		if err := se.Decode(&p); err != nil {
			return false, err
		}
		v.Summary = p.Summary
		v.PendingInteraction = nil
		v.PendingInteractionID = ""
	case events.TaskFailed:
		var p events.TaskFailedPayload
		if err := se.Decode(&p); err != nil {
			return false, err
		}
		v.FailureReason = p.Reason
		v.PendingInteraction = nil
		v.PendingInteractionID = ""
	case events.TaskCanceled:
		v.PendingInteraction = nil
		v.PendingInteractionID = ""
	case events.TaskTodoUpdated:
		var p events.TaskTodoUpdatedPayload
		if err := se.Decode(&p); err != nil {
			return false, err
		}
		v.Todos = p.Todos
	case events.InteractionRequested:
		req, err := se.InteractionRequest()
		if err != nil {
			return false, err
		}
		v.PendingInteraction = req
		v.PendingInteractionID = req.ID
	case events.InteractionResponded:
		resp, err := se.InteractionResponse()
		if err != nil {
			return false, err
		}
		// Only a response to the currently pending interaction clears it.
		if v.PendingInteractionID == "" || resp.InteractionID != v.PendingInteractionID {
			return false, nil
		}
		v.PendingInteraction = nil
		v.PendingInteractionID = ""
	}
	v.Status = nextStatus(v.Status, se.Type)
	v.LastEventID = se.ID
	v.UpdatedAt = se.CreatedAt
	return true, nil
}

// NewView builds the initial view from a TaskCreated event.
func NewView(se *events.StoredEvent) (*View, error) {
	p, err := se.CreatedPayload()
	if err != nil {
		return nil, err
	}
	return &View{
		ID:           se.StreamID,
		Title:        p.Title,
		Intent:       p.Intent,
		Priority:     p.Priority,
		AgentID:      p.AgentID,
		Status:       StatusOpen,
		ParentTaskID: p.ParentTaskID,
		LastEventID:  se.ID,
		CreatedAt:    se.CreatedAt,
		UpdatedAt:    se.CreatedAt,
	}, nil
}
