package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// GroupView is the registry surface the snapshot writer projects from.
type GroupView interface {
	Get(folder string) (store.Group, bool)
	List() []store.Group
	LastActivity(folder string) (time.Time, bool)
}

// SnapshotWriter materializes the per-run view files a container reads:
// tasks.json and groups.json under <dataDir>/snapshots/<folder>/. The
// main group sees everything; other groups see only themselves.
type SnapshotWriter struct {
	dir        string // <dataDir>/snapshots
	mainFolder string
	groups     GroupView
	tasks      store.TaskStore
}

func NewSnapshotWriter(dataDir, mainFolder string, groups GroupView, tasks store.TaskStore) *SnapshotWriter {
	return &SnapshotWriter{
		dir:        filepath.Join(dataDir, "snapshots"),
		mainFolder: mainFolder,
		groups:     groups,
		tasks:      tasks,
	}
}

// Dir returns the snapshot directory for a folder, for mount wiring.
func (w *SnapshotWriter) Dir(folder string) string {
	return filepath.Join(w.dir, folder)
}

// Write refreshes both snapshot files for a folder.
func (w *SnapshotWriter) Write(ctx context.Context, folder string) error {
	if err := os.MkdirAll(w.Dir(folder), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := w.writeTasks(ctx, folder); err != nil {
		return err
	}
	return w.writeGroups(folder)
}

func (w *SnapshotWriter) writeTasks(ctx context.Context, folder string) error {
	var (
		tasks []store.Task
		err   error
	)
	if folder == w.mainFolder {
		tasks, err = w.tasks.List(ctx)
	} else {
		tasks, err = w.tasks.ListByGroup(ctx, folder)
	}
	if err != nil {
		return fmt.Errorf("load tasks for snapshot: %w", err)
	}

	view := make([]protocol.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		view = append(view, protocol.TaskSnapshot{
			ID:            t.ID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       millis(t.NextRun),
			GroupFolder:   t.GroupFolder,
		})
	}
	return w.writeFile(folder, "tasks.json", view)
}

func (w *SnapshotWriter) writeGroups(folder string) error {
	var view []protocol.GroupSnapshot
	if folder == w.mainFolder {
		all := w.groups.List()
		view = make([]protocol.GroupSnapshot, 0, len(all))
		for _, g := range all {
			view = append(view, w.groupEntry(g.Folder))
		}
	} else {
		view = []protocol.GroupSnapshot{w.groupEntry(folder)}
	}
	return w.writeFile(folder, "groups.json", view)
}

func (w *SnapshotWriter) groupEntry(folder string) protocol.GroupSnapshot {
	g, registered := w.groups.Get(folder)
	entry := protocol.GroupSnapshot{
		ID:           folder,
		Name:         g.Name,
		IsRegistered: registered,
	}
	if entry.Name == "" {
		entry.Name = folder
	}
	if at, ok := w.groups.LastActivity(folder); ok {
		ms := at.UnixMilli()
		entry.LastActivity = &ms
	}
	return entry
}

// writeFile writes one snapshot atomically: temp file → rename.
func (w *SnapshotWriter) writeFile(folder, name string, view any) error {
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	dir := w.Dir(folder)
	tmpFile, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	cleanup = false
	return nil
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
