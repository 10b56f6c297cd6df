package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
)

// ProjectionName is the cursor name under which task view progress is stored.
const ProjectionName = "task_view"

// ViewStore is the slice of the repository the projector writes to.
type ViewStore interface {
	Upsert(ctx context.Context, view *View) error
	Get(ctx context.Context, id string) (*View, error)
	List(ctx context.Context) ([]*View, error)
}

// Projector reduces domain events into task views. It is the only writer of
// the view store.
type Projector struct {
	store *events.Store
	repo  ViewStore
	log   *logger.Logger
}

// NewProjector wires a projector against the event store and view store.
func NewProjector(store *events.Store, repo ViewStore, log *logger.Logger) *Projector {
	return &Projector{store: store, repo: repo, log: log.WithComponent("task.projector")}
}

// CatchUp reduces every event past the stored cursor. Call once at startup
// before serving reads.
func (p *Projector) CatchUp(ctx context.Context) error {
	cursor := int64(0)
	if rec, ok := p.store.Projection(ProjectionName); ok {
		cursor = rec.Cursor
	}
	if cursor > 0 {
		// Every projected event leaves at least its task view behind, so an
		// empty view store under a positive cursor means the store did not
		// survive the restart (memory backend). Rebuild from the log start.
		views, err := p.repo.List(ctx)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			p.log.Warn("view store is empty behind a persisted cursor, rebuilding", zap.Int64("cursor", cursor))
			cursor = 0
		}
	}
	pending, _ := p.store.EventsAfter(cursor, 0)
	for _, se := range pending {
		if err := p.apply(ctx, se); err != nil {
			return err
		}
		cursor = se.ID
	}
	if len(pending) > 0 {
		if err := p.store.SaveProjection(ProjectionName, cursor); err != nil {
			return err
		}
		p.log.Info("projection caught up", zap.Int("events", len(pending)), zap.Int64("cursor", cursor))
	}
	return nil
}

// Run consumes the live feed until ctx is done. The subscription is lossy, so
// after any drop the projector re-reads from its cursor.
func (p *Projector) Run(ctx context.Context) error {
	sub := p.store.Subscribe(256)
	defer sub.Unsubscribe()

	// Events may have landed between CatchUp and Subscribe.
	if err := p.CatchUp(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case se, ok := <-sub.C():
			if !ok {
				return nil
			}
			cursor := int64(0)
			if rec, ok := p.store.Projection(ProjectionName); ok {
				cursor = rec.Cursor
			}
			if se.ID <= cursor {
				continue
			}
			if se.ID > cursor+1 {
				// Dropped events: re-read the gap from the log.
				if err := p.CatchUp(ctx); err != nil {
					return err
				}
				continue
			}
			if err := p.apply(ctx, se); err != nil {
				return err
			}
			if err := p.store.SaveProjection(ProjectionName, se.ID); err != nil {
				return err
			}
		}
	}
}

// apply folds one event into the view store.
func (p *Projector) apply(ctx context.Context, se *events.StoredEvent) error {
	if se.Type == events.TaskCreated {
		view, err := NewView(se)
		if err != nil {
			return fmt.Errorf("project %s: %w", se.StreamID, err)
		}
		if err := p.repo.Upsert(ctx, view); err != nil {
			return err
		}
		if view.ParentTaskID != "" {
			if err := p.linkChild(ctx, view.ParentTaskID, view.ID); err != nil {
				return err
			}
		}
		return nil
	}

	view, err := p.repo.Get(ctx, se.StreamID)
	if err != nil {
		// Events for unknown streams are skipped, not fatal: the log may
		// contain streams this node never projected.
		p.log.WithTaskID(se.StreamID).Warn("event for unknown task", zap.String("type", string(se.Type)))
		return nil
	}
	applied, err := view.Apply(se)
	if err != nil {
		return fmt.Errorf("project %s: %w", se.StreamID, err)
	}
	if !applied {
		return nil
	}
	return p.repo.Upsert(ctx, view)
}

func (p *Projector) linkChild(ctx context.Context, parentID, childID string) error {
	parent, err := p.repo.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("link child %s: parent %s: %w", childID, parentID, err)
	}
	for _, id := range parent.ChildTaskIDs {
		if id == childID {
			return nil
		}
	}
	parent.ChildTaskIDs = append(parent.ChildTaskIDs, childID)
	return p.repo.Upsert(ctx, parent)
}
