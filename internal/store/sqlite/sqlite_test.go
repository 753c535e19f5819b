package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	s, err := NewMemoryStores()
	if err != nil {
		t.Fatalf("open memory stores: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGroupUpsertGetList(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	g := store.Group{
		ID:      "team-a",
		Name:    "Team A",
		Folder:  "team-a",
		Trigger: "@Andy",
		AddedAt: time.Now(),
	}
	if err := s.Groups.Upsert(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Groups.Get(ctx, "team-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Team A" || got.ID != "team-a" || got.Trigger != "@Andy" {
		t.Errorf("got %+v", got)
	}

	// Upsert with same folder updates name, keeps the row count at 1.
	g.Name = "Team Alpha"
	if err := s.Groups.Upsert(ctx, g); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	list, err := s.Groups.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].Name != "Team Alpha" {
		t.Errorf("Name = %q, want Team Alpha", list[0].Name)
	}
}

func TestGroupContainerConfigRoundTrip(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	g := store.Group{
		ID:     "ops",
		Name:   "Ops",
		Folder: "ops",
		Container: &store.GroupContainerConfig{
			Image:  "custom:1",
			Mounts: []string{"/host/x:/workspace/x:ro"},
			Env:    map[string]string{"FOO": "bar"},
		},
	}
	if err := s.Groups.Upsert(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Groups.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Container == nil {
		t.Fatal("Container = nil")
	}
	if got.Container.Image != "custom:1" {
		t.Errorf("Image = %q", got.Container.Image)
	}
	if got.Container.Env["FOO"] != "bar" {
		t.Errorf("Env = %v", got.Container.Env)
	}
}

func TestGroupGetMissing(t *testing.T) {
	s := newTestStores(t)
	_, err := s.Groups.Get(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	// Missing session is empty, not an error.
	id, err := s.Sessions.Get(ctx, "main")
	if err != nil || id != "" {
		t.Fatalf("Get = (%q, %v), want empty", id, err)
	}

	if err := s.Sessions.Set(ctx, "main", "sess-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Sessions.Set(ctx, "team-a", "sess-2"); err != nil {
		t.Fatalf("set: %v", err)
	}

	id, err = s.Sessions.Get(ctx, "main")
	if err != nil || id != "sess-1" {
		t.Fatalf("Get = (%q, %v), want sess-1", id, err)
	}

	// Overwrite.
	if err := s.Sessions.Set(ctx, "main", "sess-9"); err != nil {
		t.Fatalf("set: %v", err)
	}
	id, _ = s.Sessions.Get(ctx, "main")
	if id != "sess-9" {
		t.Errorf("Get = %q, want sess-9", id)
	}

	all, err := s.Sessions.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all["team-a"] != "sess-2" {
		t.Errorf("All = %v", all)
	}

	if err := s.Sessions.Delete(ctx, "main"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	id, _ = s.Sessions.Get(ctx, "main")
	if id != "" {
		t.Errorf("Get after delete = %q, want empty", id)
	}

	// Deleting a missing session is fine.
	if err := s.Sessions.Delete(ctx, "ghost"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	task := store.Task{
		ID:            "t1",
		GroupFolder:   "main",
		ChatJID:       "main",
		Prompt:        "daily report",
		ScheduleType:  "cron",
		ScheduleValue: "0 9 * * *",
		ContextMode:   "group",
		Status:        "active",
		NextRun:       &next,
		CreatedBy:     "main",
	}
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != "daily report" || got.ScheduleValue != "0 9 * * *" {
		t.Errorf("got %+v", got)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, next)
	}

	got.Status = "paused"
	got.NextRun = nil
	if err := s.Tasks.Update(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := s.Tasks.Get(ctx, "t1")
	if got2.Status != "paused" || got2.NextRun != nil {
		t.Errorf("after update: %+v", got2)
	}

	if err := s.Tasks.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Tasks.Get(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if err := s.Tasks.Update(ctx, task); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestTasksDueOrdering(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, offset time.Duration, status string) store.Task {
		n := now.Add(offset)
		return store.Task{
			ID: id, GroupFolder: "main", ChatJID: "main", Prompt: "p",
			ScheduleType: "once", ScheduleValue: "", ContextMode: "group",
			Status: status, NextRun: &n,
		}
	}

	// Same instant for b and a: id breaks the tie.
	for _, task := range []store.Task{
		mk("b", -time.Second, "active"),
		mk("a", -time.Second, "active"),
		mk("c", -time.Hour, "active"),
		mk("d", time.Hour, "active"),
		mk("e", -time.Minute, "paused"),
	} {
		if err := s.Tasks.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	// A task with no next_run never comes due.
	if err := s.Tasks.Create(ctx, store.Task{
		ID: "f", GroupFolder: "main", ChatJID: "main", Prompt: "p",
		ScheduleType: "once", Status: "active",
	}); err != nil {
		t.Fatalf("create f: %v", err)
	}

	due, err := s.Tasks.Due(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}

	var ids []string
	for _, task := range due {
		ids = append(ids, task.ID)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("due ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("due ids = %v, want %v", ids, want)
		}
	}
}

func TestTasksListByGroup(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	for _, task := range []store.Task{
		{ID: "1", GroupFolder: "main", ChatJID: "main", Prompt: "a", ScheduleType: "once", Status: "active"},
		{ID: "2", GroupFolder: "team-a", ChatJID: "team-a", Prompt: "b", ScheduleType: "once", Status: "active"},
		{ID: "3", GroupFolder: "main", ChatJID: "main", Prompt: "c", ScheduleType: "once", Status: "active"},
	} {
		if err := s.Tasks.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Tasks.ListByGroup(ctx, "main")
	if err != nil {
		t.Fatalf("list by group: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	all, err := s.Tasks.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
}

func TestState(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	v, err := s.State.Get(ctx, "missing")
	if err != nil || v != "" {
		t.Fatalf("Get = (%q, %v), want empty", v, err)
	}

	if err := s.State.Set(ctx, "lastActivity:main", "123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.State.Set(ctx, "lastActivity:team-a", "456"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.State.Set(ctx, "other", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Overwrite.
	if err := s.State.Set(ctx, "lastActivity:main", "789"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, _ = s.State.Get(ctx, "lastActivity:main")
	if v != "789" {
		t.Errorf("Get = %q, want 789", v)
	}

	all, err := s.State.All(ctx, "lastActivity:")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all["lastActivity:team-a"] != "456" {
		t.Errorf("All = %v", all)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	path := t.TempDir() + "/nested/messages.db"
	stores, err := NewStores(path)
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	defer stores.Close()

	// Reopen, data persists.
	ctx := context.Background()
	if err := stores.Sessions.Set(ctx, "main", "s1"); err != nil {
		t.Fatal(err)
	}
	stores.Close()

	reopened, err := NewStores(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	id, err := reopened.Sessions.Get(ctx, "main")
	if err != nil || id != "s1" {
		t.Errorf("Get after reopen = (%q, %v), want s1", id, err)
	}
}
