package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// GroupStore implements store.GroupStore on SQLite.
type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

func (s *GroupStore) Upsert(ctx context.Context, g store.Group) error {
	var cc sql.NullString
	if g.Container != nil {
		b, err := json.Marshal(g.Container)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		cc = sql.NullString{String: string(b), Valid: true}
	}

	added := g.AddedAt
	if added.IsZero() {
		added = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (folder, id, name, trigger_word, container_config, added_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(folder) DO UPDATE SET
		   id = excluded.id,
		   name = excluded.name,
		   trigger_word = excluded.trigger_word,
		   container_config = excluded.container_config`,
		g.Folder, g.ID, g.Name, g.Trigger, cc, added.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (s *GroupStore) Get(ctx context.Context, folder string) (*store.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT folder, id, name, trigger_word, container_config, added_at
		 FROM groups WHERE folder = ?`, folder)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *GroupStore) List(ctx context.Context) ([]store.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT folder, id, name, trigger_word, container_config, added_at
		 FROM groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(r rowScanner) (*store.Group, error) {
	var g store.Group
	var cc sql.NullString
	var added int64
	if err := r.Scan(&g.Folder, &g.ID, &g.Name, &g.Trigger, &cc, &added); err != nil {
		return nil, err
	}
	g.AddedAt = time.UnixMilli(added)
	if cc.Valid && cc.String != "" {
		var cfg store.GroupContainerConfig
		if err := json.Unmarshal([]byte(cc.String), &cfg); err == nil {
			g.Container = &cfg
		}
	}
	return &g, nil
}
