package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// TaskStore persists scheduled tasks.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	context_mode, status, next_run, created_by, created_at, last_run`

func (s *TaskStore) Create(ctx context.Context, t store.Task) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, millisPtr(t.NextRun), t.CreatedBy, created.UnixMilli(),
		millisPtr(t.LastRun))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) Update(ctx context.Context, t store.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		   group_folder = ?, chat_jid = ?, prompt = ?, schedule_type = ?,
		   schedule_value = ?, context_mode = ?, status = ?, next_run = ?,
		   last_run = ?
		 WHERE id = ?`,
		t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType,
		t.ScheduleValue, t.ContextMode, t.Status, millisPtr(t.NextRun),
		millisPtr(t.LastRun), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *TaskStore) List(ctx context.Context) ([]store.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

func (s *TaskStore) ListByGroup(ctx context.Context, folder string) ([]store.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE group_folder = ? ORDER BY created_at, id`,
		folder)
}

func (s *TaskStore) Due(ctx context.Context, now time.Time) ([]store.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run ASC, id ASC`,
		now.UnixMilli())
}

func (s *TaskStore) query(ctx context.Context, q string, args ...any) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (*store.Task, error) {
	var t store.Task
	var nextRun, lastRun sql.NullInt64
	var created int64
	if err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status,
		&nextRun, &t.CreatedBy, &created, &lastRun); err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(created)
	if nextRun.Valid {
		v := time.UnixMilli(nextRun.Int64)
		t.NextRun = &v
	}
	if lastRun.Valid {
		v := time.UnixMilli(lastRun.Int64)
		t.LastRun = &v
	}
	return &t, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
