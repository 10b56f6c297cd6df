// Package task holds the task state machine, the read model reduced from the
// event log, and the projector that keeps it current.
package task

import "github.com/taskforge/taskforge/internal/events"

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInProgress   Status = "in_progress"
	StatusAwaitingUser Status = "awaiting_user"
	StatusPaused       Status = "paused"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether an event type is admissible in the given
// state. Instructions on paused or canceled tasks are rejected; restart from
// failed or canceled requires a new instruction (failed) or a new task
// (canceled).
func CanTransition(s Status, t events.Type) bool {
	switch s {
	case StatusOpen:
		switch t {
		case events.TaskStarted, events.TaskCanceled, events.TaskInstructionAdded, events.TaskTodoUpdated:
			return true
		}
	case StatusInProgress:
		switch t {
		case events.TaskStarted, events.InteractionRequested, events.TaskCompleted,
			events.TaskFailed, events.TaskCanceled, events.TaskPaused,
			events.TaskInstructionAdded, events.TaskTodoUpdated:
			return true
		}
	case StatusAwaitingUser:
		switch t {
		case events.InteractionResponded, events.TaskCanceled, events.TaskInstructionAdded, events.TaskTodoUpdated:
			return true
		}
	case StatusPaused:
		switch t {
		case events.TaskFailed, events.TaskCanceled, events.TaskResumed, events.TaskTodoUpdated:
			return true
		}
	case StatusDone:
		switch t {
		case events.TaskStarted, events.TaskInstructionAdded, events.TaskTodoUpdated:
			return true
		}
	case StatusFailed:
		switch t {
		case events.TaskInstructionAdded, events.TaskTodoUpdated:
			return true
		}
	case StatusCanceled:
		return false
	}
	return false
}

// StreamStatus folds an ordered event stream into its final status. Events
// not admissible in their state are skipped, so a terminal stream revived by
// a later instruction folds back to in_progress.
func StreamStatus(stream []*events.StoredEvent) Status {
	s := StatusOpen
	if len(stream) == 0 {
		return s
	}
	for _, se := range stream[1:] {
		if CanTransition(s, se.Type) {
			s = nextStatus(s, se.Type)
		}
	}
	return s
}

// nextStatus folds an admissible event into the status. Callers must check
// CanTransition first.
func nextStatus(s Status, t events.Type) Status {
	switch t {
	case events.TaskStarted:
		return StatusInProgress
	case events.InteractionRequested:
		return StatusAwaitingUser
	case events.InteractionResponded:
		return StatusInProgress
	case events.TaskCompleted:
		return StatusDone
	case events.TaskFailed:
		return StatusFailed
	case events.TaskCanceled:
		return StatusCanceled
	case events.TaskPaused:
		return StatusPaused
	case events.TaskResumed:
		return StatusInProgress
	case events.TaskInstructionAdded:
		// Instructions re-activate open, done, and failed tasks. A task
		// already running or awaiting the user keeps its state.
		switch s {
		case StatusOpen, StatusDone, StatusFailed:
			return StatusInProgress
		}
		return s
	default:
		return s
	}
}
