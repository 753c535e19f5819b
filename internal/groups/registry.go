package groups

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// LastActivityPrefix keys per-group activity marks in the state
// store; values are unix milliseconds.
const LastActivityPrefix = "lastActivity:"

// Registry is the in-memory group table with write-through
// persistence. It also tracks per-group last-activity timestamps,
// mirrored to the router_state table so they survive restarts.
type Registry struct {
	groups   store.GroupStore
	state    store.StateStore
	groupsDir string

	mu           sync.RWMutex
	byFolder     map[string]store.Group
	lastActivity map[string]time.Time
}

// NewRegistry creates an empty registry. Call Load to rehydrate it
// from the store.
func NewRegistry(groups store.GroupStore, state store.StateStore, groupsDir string) *Registry {
	return &Registry{
		groups:       groups,
		state:        state,
		groupsDir:    groupsDir,
		byFolder:     make(map[string]store.Group),
		lastActivity: make(map[string]time.Time),
	}
}

// Load rehydrates groups and last-activity marks from the store.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.groups.List(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	marks, err := r.state.All(ctx, LastActivityPrefix)
	if err != nil {
		return fmt.Errorf("load activity marks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range list {
		r.byFolder[g.Folder] = g
	}
	for key, val := range marks {
		folder := key[len(LastActivityPrefix):]
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			r.lastActivity[folder] = time.UnixMilli(ms)
		}
	}
	slog.Info("registry loaded", "groups", len(list))
	return nil
}

// Register adds or updates a group, writes it through to the store,
// and creates the group's logs directory on disk.
func (r *Registry) Register(ctx context.Context, g store.Group) error {
	if g.Folder == "" {
		g.Folder = g.ID
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}

	if err := r.groups.Upsert(ctx, g); err != nil {
		return fmt.Errorf("persist group: %w", err)
	}

	logsDir := filepath.Join(r.groupsDir, g.Folder, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create group dirs: %w", err)
	}

	r.mu.Lock()
	r.byFolder[g.Folder] = g
	r.mu.Unlock()

	slog.Info("group registered", "folder", g.Folder, "name", g.Name)
	return nil
}

// EnsureMain guarantees the distinguished main group exists.
func (r *Registry) EnsureMain(ctx context.Context, folder, name string) error {
	if r.Exists(folder) {
		return nil
	}
	return r.Register(ctx, store.Group{
		ID:     folder,
		Name:   name,
		Folder: folder,
	})
}

// Get returns the group for a folder.
func (r *Registry) Get(folder string) (store.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byFolder[folder]
	return g, ok
}

// Exists reports whether a folder is registered.
func (r *Registry) Exists(folder string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byFolder[folder]
	return ok
}

// List returns all registered groups, unordered.
func (r *Registry) List() []store.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Group, 0, len(r.byFolder))
	for _, g := range r.byFolder {
		out = append(out, g)
	}
	return out
}

// TouchActivity records agent activity for a group and mirrors the
// mark to the store. Store errors are logged, not returned; memory
// remains the source of truth for the running process.
func (r *Registry) TouchActivity(ctx context.Context, folder string, at time.Time) {
	r.mu.Lock()
	r.lastActivity[folder] = at
	r.mu.Unlock()

	key := LastActivityPrefix + folder
	if err := r.state.Set(ctx, key, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		slog.Warn("persist activity mark failed", "folder", folder, "error", err)
	}
}

// LastActivity returns the last recorded activity for a group.
func (r *Registry) LastActivity(folder string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastActivity[folder]
	return t, ok
}
