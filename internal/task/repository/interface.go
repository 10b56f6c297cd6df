// Package repository stores the task read model. The event log is the source
// of truth; this is a queryable materialization kept current by the projector.
package repository

import (
	"context"
	"errors"

	"github.com/taskforge/taskforge/internal/task"
)

// ErrNotFound is returned when no task view exists for an id.
var ErrNotFound = errors.New("task not found")

// Repository defines the task view storage operations.
type Repository interface {
	Upsert(ctx context.Context, view *task.View) error
	Get(ctx context.Context, id string) (*task.View, error)
	List(ctx context.Context) ([]*task.View, error)
	ListByParent(ctx context.Context, parentID string) ([]*task.View, error)
	ListByStatus(ctx context.Context, status task.Status) ([]*task.View, error)
	Close() error
}
