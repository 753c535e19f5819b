package ipc

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// inboxWatcher wakes the mediator when inbox files land so applies do
// not wait out the poll interval. Watches are best-effort: fsnotify is
// not recursive and a subdirectory added between events can be missed,
// which is fine because the poll loop remains the delivery contract.
type inboxWatcher struct {
	C  chan struct{}
	fw *fsnotify.Watcher
}

func watchInbox(root string) (*inboxWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}

	w := &inboxWatcher{C: make(chan struct{}, 1), fw: fw}

	// Pick up inboxes that already exist.
	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() && e.Name() != "errors" {
				w.addSource(filepath.Join(root, e.Name()))
			}
		}
	}

	go w.loop(root)
	return w, nil
}

// addSource watches a group's message and task inboxes. Failure is
// logged at debug only; the dirs may not exist until the group's first
// container run creates them.
func (w *inboxWatcher) addSource(dir string) {
	for _, kind := range []string{"messages", "tasks"} {
		if err := w.fw.Add(filepath.Join(dir, kind)); err != nil {
			slog.Debug("ipc watch add failed", "dir", dir, "error", err)
		}
	}
}

func (w *inboxWatcher) loop(root string) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) && filepath.Dir(ev.Name) == root {
				// A new source directory appeared.
				w.addSource(ev.Name)
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				select {
				case w.C <- struct{}{}:
				default:
				}
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			// The poll pass covers anything the watcher drops.
		}
	}
}

func (w *inboxWatcher) Close() error { return w.fw.Close() }
