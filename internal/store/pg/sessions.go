package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionStore maps group folders to agent session ids.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = $1`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

func (s *SessionStore) Set(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (folder, session_id, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (folder) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   updated_at = EXCLUDED.updated_at`,
		folder, sessionID, time.Now())
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE folder = $1`, folder)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[folder] = id
	}
	return out, rows.Err()
}
