package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/task"
)

// SQLite persists task views in a SQLite database so the read model survives
// restarts without a full log replay.
type SQLite struct {
	db *sqlx.DB
}

var _ Repository = (*SQLite)(nil)

const taskViewSchema = `
CREATE TABLE IF NOT EXISTS task_views (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	intent TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	parent_task_id TEXT NOT NULL DEFAULT '',
	child_task_ids TEXT NOT NULL DEFAULT '[]',
	pending_interaction TEXT NOT NULL DEFAULT '',
	pending_interaction_id TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	todos TEXT NOT NULL DEFAULT '[]',
	last_event_id INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_views_parent ON task_views(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_task_views_status ON task_views(status);
`

// NewSQLite opens (or creates) the database at path and initializes the schema.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(taskViewSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (r *SQLite) Close() error { return r.db.Close() }

type taskViewRow struct {
	task.View
	ChildTaskIDsJSON       string `db:"child_task_ids"`
	PendingInteractionJSON string `db:"pending_interaction"`
	TodosJSON              string `db:"todos"`
}

func rowFromView(v *task.View) (*taskViewRow, error) {
	children, err := json.Marshal(v.ChildTaskIDs)
	if err != nil {
		return nil, err
	}
	todos, err := json.Marshal(v.Todos)
	if err != nil {
		return nil, err
	}
	pending := ""
	if v.PendingInteraction != nil {
		b, err := json.Marshal(v.PendingInteraction)
		if err != nil {
			return nil, err
		}
		pending = string(b)
	}
	return &taskViewRow{
		View:                   *v,
		ChildTaskIDsJSON:       string(children),
		PendingInteractionJSON: pending,
		TodosJSON:              string(todos),
	}, nil
}

func (row *taskViewRow) toView() (*task.View, error) {
	v := row.View
	if row.ChildTaskIDsJSON != "" {
		if err := json.Unmarshal([]byte(row.ChildTaskIDsJSON), &v.ChildTaskIDs); err != nil {
			return nil, fmt.Errorf("decode child ids for %s: %w", v.ID, err)
		}
	}
	if row.TodosJSON != "" {
		var todos []events.TodoItem
		if err := json.Unmarshal([]byte(row.TodosJSON), &todos); err != nil {
			return nil, fmt.Errorf("decode todos for %s: %w", v.ID, err)
		}
		v.Todos = todos
	}
	if row.PendingInteractionJSON != "" {
		var req interaction.Request
		if err := json.Unmarshal([]byte(row.PendingInteractionJSON), &req); err != nil {
			return nil, fmt.Errorf("decode pending interaction for %s: %w", v.ID, err)
		}
		v.PendingInteraction = &req
	}
	return &v, nil
}

func (r *SQLite) Upsert(ctx context.Context, view *task.View) error {
	row, err := rowFromView(view)
	if err != nil {
		return fmt.Errorf("encode task view %s: %w", view.ID, err)
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO task_views (id, title, intent, priority, agent_id, status, parent_task_id,
			child_task_ids, pending_interaction, pending_interaction_id, summary, failure_reason,
			todos, last_event_id, created_at, updated_at)
		VALUES (:id, :title, :intent, :priority, :agent_id, :status, :parent_task_id,
			:child_task_ids, :pending_interaction, :pending_interaction_id, :summary, :failure_reason,
			:todos, :last_event_id, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			intent = excluded.intent,
			priority = excluded.priority,
			agent_id = excluded.agent_id,
			status = excluded.status,
			parent_task_id = excluded.parent_task_id,
			child_task_ids = excluded.child_task_ids,
			pending_interaction = excluded.pending_interaction,
			pending_interaction_id = excluded.pending_interaction_id,
			summary = excluded.summary,
			failure_reason = excluded.failure_reason,
			todos = excluded.todos,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
	`, row)
	return err
}

func (r *SQLite) Get(ctx context.Context, id string) (*task.View, error) {
	var row taskViewRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM task_views WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toView()
}

func (r *SQLite) List(ctx context.Context) ([]*task.View, error) {
	return r.query(ctx, `SELECT * FROM task_views ORDER BY created_at, id`)
}

func (r *SQLite) ListByParent(ctx context.Context, parentID string) ([]*task.View, error) {
	return r.query(ctx, r.db.Rebind(`SELECT * FROM task_views WHERE parent_task_id = ? ORDER BY created_at, id`), parentID)
}

func (r *SQLite) ListByStatus(ctx context.Context, status task.Status) ([]*task.View, error) {
	return r.query(ctx, r.db.Rebind(`SELECT * FROM task_views WHERE status = ? ORDER BY created_at, id`), status)
}

func (r *SQLite) query(ctx context.Context, q string, args ...any) ([]*task.View, error) {
	var rows []taskViewRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*task.View, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toView()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
