package groups

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Stores, string) {
	t.Helper()
	stores, err := sqlite.NewMemoryStores()
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	dir := t.TempDir()
	return NewRegistry(stores.Groups, stores.State, dir), stores, dir
}

func TestRegisterCreatesLogsDir(t *testing.T) {
	reg, _, dir := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Register(ctx, store.Group{ID: "team-a", Name: "Team A", Folder: "team-a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "team-a", "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	if !info.IsDir() {
		t.Error("logs path is not a directory")
	}

	if !reg.Exists("team-a") {
		t.Error("Exists = false after register")
	}
	g, ok := reg.Get("team-a")
	if !ok || g.Name != "Team A" {
		t.Errorf("Get = (%+v, %v)", g, ok)
	}
}

func TestRegistryRehydrates(t *testing.T) {
	reg, stores, dir := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, store.Group{ID: "main", Name: "Main", Folder: "main"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, store.Group{ID: "team-a", Name: "Team A", Folder: "team-a"}); err != nil {
		t.Fatal(err)
	}
	at := time.Now().Truncate(time.Millisecond)
	reg.TouchActivity(ctx, "main", at)

	// Fresh registry over the same store sees everything.
	fresh := NewRegistry(stores.Groups, stores.State, dir)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(fresh.List()) != 2 {
		t.Errorf("List len = %d, want 2", len(fresh.List()))
	}
	if !fresh.Exists("team-a") {
		t.Error("team-a missing after rehydrate")
	}
	got, ok := fresh.LastActivity("main")
	if !ok || !got.Equal(at) {
		t.Errorf("LastActivity = (%v, %v), want %v", got, ok, at)
	}
}

func TestEnsureMain(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.EnsureMain(ctx, "main", "Andy"); err != nil {
		t.Fatalf("ensure main: %v", err)
	}
	if !reg.Exists("main") {
		t.Fatal("main missing")
	}

	// Second call is a no-op, not an error.
	if err := reg.EnsureMain(ctx, "main", "Other"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	g, _ := reg.Get("main")
	if g.Name != "Andy" {
		t.Errorf("Name = %q, want original Andy", g.Name)
	}
}
