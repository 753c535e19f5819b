package pg

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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, t.NextRun, t.CreatedBy, created, t.LastRun)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
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
		   group_folder = $1, chat_jid = $2, prompt = $3, schedule_type = $4,
		   schedule_value = $5, context_mode = $6, status = $7, next_run = $8,
		   last_run = $9
		 WHERE id = $10`,
		t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType,
		t.ScheduleValue, t.ContextMode, t.Status, t.NextRun,
		t.LastRun, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
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
		`SELECT `+taskColumns+` FROM tasks WHERE group_folder = $1 ORDER BY created_at, id`,
		folder)
}

func (s *TaskStore) Due(ctx context.Context, now time.Time) ([]store.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= $1
		 ORDER BY next_run ASC, id ASC`,
		now)
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
	var nextRun, lastRun sql.NullTime
	if err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status,
		&nextRun, &t.CreatedBy, &t.CreatedAt, &lastRun); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRun = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRun = &v
	}
	return &t, nil
}
