// Package store defines the persistence interfaces for groups,
// sessions, scheduled tasks, and router state. Implementations live in
// the sqlite and pg subpackages; callers pick one at startup.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Group is a registered chat group. ID is the normalized group id and
// doubles as the group's folder name under the groups directory.
type Group struct {
	ID        string
	Name      string
	Folder    string
	Trigger   string
	AddedAt   time.Time
	Container *GroupContainerConfig
}

// GroupContainerConfig carries optional per-group container overrides
// supplied at registration time.
type GroupContainerConfig struct {
	Image  string            `json:"image,omitempty"`
	Mounts []string          `json:"mounts,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Task is a stored scheduled prompt.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron, interval, once
	ScheduleValue string
	ContextMode   string // group, isolated
	Status        string // active, paused
	NextRun       *time.Time
	CreatedBy     string
	CreatedAt     time.Time
	LastRun       *time.Time
}

// GroupStore persists the group registry.
type GroupStore interface {
	Upsert(ctx context.Context, g Group) error
	Get(ctx context.Context, folder string) (*Group, error)
	List(ctx context.Context) ([]Group, error)
}

// SessionStore maps group folders to agent session identifiers.
// Get returns "" with no error when the folder has no session.
type SessionStore interface {
	Get(ctx context.Context, folder string) (string, error)
	Set(ctx context.Context, folder, sessionID string) error
	Delete(ctx context.Context, folder string) error
	All(ctx context.Context) (map[string]string, error)
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
	ListByGroup(ctx context.Context, folder string) ([]Task, error)
	// Due returns active tasks with next_run <= now, ordered by
	// next_run ascending with task id as tiebreaker.
	Due(ctx context.Context, now time.Time) ([]Task, error)
}

// StateStore is a small string/string table for process-level scalars
// such as last-activity bookkeeping.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context, prefix string) (map[string]string, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Groups   GroupStore
	Sessions SessionStore
	Tasks    TaskStore
	State    StateStore

	closer func() error
}

// NewStores assembles a Stores container. closer is invoked by Close
// and may be nil.
func NewStores(groups GroupStore, sessions SessionStore, tasks TaskStore, state StateStore, closer func() error) *Stores {
	return &Stores{
		Groups:   groups,
		Sessions: sessions,
		Tasks:    tasks,
		State:    state,
		closer:   closer,
	}
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
