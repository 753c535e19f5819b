package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

type fakeTable struct {
	mu      sync.Mutex
	procs   []*queue.Process
	groups  []string
	touches int
}

func (f *fakeTable) RegisterProcess(groupID string, proc *queue.Process, folder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append(f.procs, proc)
	f.groups = append(f.groups, groupID)
}

func (f *fakeTable) Touch(groupID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
}

// writeRuntime writes a shell script that stands in for the container
// CLI. Scripts read the turn request line from stdin and emit records.
func writeRuntime(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runtime")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

type runnerFixture struct {
	runner *Runner
	table  *fakeTable
	stores *store.Stores
	cfg    Config
}

func newRunnerFixture(t *testing.T, runtime string) *runnerFixture {
	t.Helper()
	stores, err := sqlite.NewMemoryStores()
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	reg := groups.NewRegistry(stores.Groups, stores.State, t.TempDir())
	dataDir := t.TempDir()
	snap := NewSnapshotWriter(dataDir, "main", reg, stores.Tasks)
	table := &fakeTable{}
	cfg := Config{
		Runtime:    runtime,
		Image:      "agent:test",
		NamePrefix: "nanoclaw-",
		GroupsDir:  t.TempDir(),
		DataDir:    dataDir,
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	return &runnerFixture{
		runner: NewRunner(cfg, table, stores.Sessions, snap, tracer),
		table:  table,
		stores: stores,
		cfg:    cfg,
	}
}

func collectEvents() (OnOutputFn, *[]protocol.StreamEvent) {
	var (
		mu     sync.Mutex
		events []protocol.StreamEvent
	)
	return func(ev protocol.StreamEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, &events
}

func TestRunHappyPath(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	runtime := writeRuntime(t, fmt.Sprintf(`IFS= read -r line
printf '%%s' "$line" > %q
echo '{"type":"message","text":"hello <internal>secret</internal> world"}'
echo 'stray non-json output'
echo '{"type":"session","sessionId":"s-123"}'
echo '{"type":"done"}'
`, reqFile))

	fx := newRunnerFixture(t, runtime)
	t.Setenv("NANOCLAW_TEST_KEY", "abc")
	fx.runner.cfg.EnvPassthrough = []string{"NANOCLAW_TEST_KEY"}

	onOutput, events := collectEvents()
	group := store.Group{ID: "main", Name: "Main", Folder: "main"}
	params := RunParams{Prompt: "hi there", ChatJID: "main", Folder: "main", IsMain: true}

	res, err := fx.runner.Run(context.Background(), group, params, onOutput)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("status = %q, want success (error: %s)", res.Status, res.Error)
	}
	if res.NewSessionID != "s-123" {
		t.Errorf("newSessionId = %q", res.NewSessionID)
	}

	got := *events
	if len(got) != 2 {
		t.Fatalf("got %d events %+v, want message+done", len(got), got)
	}
	if got[0].Kind != protocol.EventMessage || got[0].Text != "hello  world" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Kind != protocol.EventDone || got[1].NewSessionID != "s-123" {
		t.Errorf("terminal event = %+v", got[1])
	}

	// The session record was persisted.
	sess, err := fx.stores.Sessions.Get(context.Background(), "main")
	if err != nil || sess != "s-123" {
		t.Errorf("stored session = %q, %v", sess, err)
	}

	// The turn request reached the subprocess on stdin.
	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("request never written: %v", err)
	}
	var req protocol.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Prompt != "hi there" || req.ChatJID != "main" || !req.IsMain {
		t.Errorf("request = %+v", req)
	}
	if req.SessionID != "" {
		t.Errorf("fresh run carried sessionId %q", req.SessionID)
	}
	if req.Env["NANOCLAW_TEST_KEY"] != "abc" {
		t.Errorf("env passthrough missing: %+v", req.Env)
	}

	fx.table.mu.Lock()
	defer fx.table.mu.Unlock()
	if len(fx.table.procs) != 1 {
		t.Fatalf("registered %d processes", len(fx.table.procs))
	}
	if !strings.HasPrefix(fx.table.procs[0].ContainerName, "nanoclaw-main-") {
		t.Errorf("container name = %q", fx.table.procs[0].ContainerName)
	}
	if fx.table.touches == 0 {
		t.Error("output never touched the idle clock")
	}
	select {
	case <-fx.table.procs[0].Done:
	default:
		t.Error("done channel not closed after exit")
	}
}

func TestRunErrorExitAttachesStderr(t *testing.T) {
	runtime := writeRuntime(t, `IFS= read -r line
echo 'traceback: boom' >&2
exit 3
`)
	fx := newRunnerFixture(t, runtime)
	onOutput, events := collectEvents()

	res, err := fx.runner.Run(context.Background(), store.Group{ID: "main", Folder: "main"},
		RunParams{Prompt: "x", ChatJID: "main", Folder: "main"}, onOutput)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Error, "code 3") || !strings.Contains(res.Error, "traceback: boom") {
		t.Errorf("error = %q, want exit code and stderr tail", res.Error)
	}

	got := *events
	if len(got) != 1 || got[0].Kind != protocol.EventError {
		t.Fatalf("events = %+v, want single error", got)
	}
}

func TestRunErrorRecord(t *testing.T) {
	runtime := writeRuntime(t, `IFS= read -r line
echo '{"type":"error","error":"agent blew up"}'
exit 0
`)
	fx := newRunnerFixture(t, runtime)
	onOutput, events := collectEvents()

	res, err := fx.runner.Run(context.Background(), store.Group{ID: "main", Folder: "main"},
		RunParams{Prompt: "x", ChatJID: "main", Folder: "main"}, onOutput)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusError || res.Error != "agent blew up" {
		t.Errorf("result = %+v", res)
	}

	got := *events
	if len(got) != 1 || got[0].Kind != protocol.EventError {
		t.Fatalf("events = %+v, want single error event", got)
	}
}

func TestRunExitWithoutDoneSynthesizes(t *testing.T) {
	runtime := writeRuntime(t, `IFS= read -r line
echo '{"type":"message","text":"partial answer"}'
exit 0
`)
	fx := newRunnerFixture(t, runtime)
	onOutput, events := collectEvents()

	res, err := fx.runner.Run(context.Background(), store.Group{ID: "main", Folder: "main"},
		RunParams{Prompt: "x", ChatJID: "main", Folder: "main"}, onOutput)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("status = %q, want success on clean exit", res.Status)
	}

	got := *events
	if len(got) != 2 {
		t.Fatalf("events = %+v, want message then synthesized done", got)
	}
	if got[1].Kind != protocol.EventDone {
		t.Errorf("last event = %+v, want done", got[1])
	}
}

func TestRunSpawnFailure(t *testing.T) {
	fx := newRunnerFixture(t, filepath.Join(t.TempDir(), "no-such-binary"))
	onOutput, events := collectEvents()

	_, err := fx.runner.Run(context.Background(), store.Group{ID: "main", Folder: "main"},
		RunParams{Prompt: "x", ChatJID: "main", Folder: "main"}, onOutput)
	if err == nil {
		t.Fatal("want spawn error")
	}
	if len(*events) != 0 {
		t.Errorf("events emitted on spawn failure: %+v", *events)
	}
	fx.table.mu.Lock()
	defer fx.table.mu.Unlock()
	if len(fx.table.procs) != 0 {
		t.Error("process registered despite spawn failure")
	}
}

func TestRunArgsCarryGroupConfig(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	runtime := writeRuntime(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
IFS= read -r line
echo '{"type":"done"}'
`, argsFile))

	fx := newRunnerFixture(t, runtime)
	group := store.Group{
		ID:     "team-a",
		Name:   "Team A",
		Folder: "team-a",
		Container: &store.GroupContainerConfig{
			Image:  "custom:7",
			Mounts: []string{"/srv/shared:/workspace/shared:ro"},
			Env:    map[string]string{"FOO": "bar"},
		},
	}
	onOutput, _ := collectEvents()
	if _, err := fx.runner.Run(context.Background(), group,
		RunParams{Prompt: "x", ChatJID: "team-a", Folder: "team-a"}, onOutput); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("args never captured: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(data)), "\n")

	if args[len(args)-1] != "custom:7" {
		t.Errorf("image arg = %q, want group override", args[len(args)-1])
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run", "--rm", "-i",
		"/srv/shared:/workspace/shared:ro",
		"FOO=bar",
		":/workspace/group",
		":/workspace/ipc",
		":/workspace/snapshots:ro",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	// Mount sources exist before the runtime saw them.
	for _, dir := range []string{
		filepath.Join(fx.cfg.GroupsDir, "team-a"),
		filepath.Join(fx.cfg.DataDir, "ipc", "team-a", "messages"),
		filepath.Join(fx.cfg.DataDir, "ipc", "team-a", "tasks"),
		filepath.Join(fx.cfg.DataDir, "snapshots", "team-a"),
	} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("mount source %s: %v", dir, err)
		}
	}
}

func TestRunResumesSession(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	runtime := writeRuntime(t, fmt.Sprintf(`IFS= read -r line
printf '%%s' "$line" > %q
echo '{"type":"done"}'
`, reqFile))

	fx := newRunnerFixture(t, runtime)
	onOutput, _ := collectEvents()
	if _, err := fx.runner.Run(context.Background(), store.Group{ID: "main", Folder: "main"},
		RunParams{Prompt: "again", SessionID: "old-session", ChatJID: "main", Folder: "main"}, onOutput); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatal(err)
	}
	var req protocol.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.SessionID != "old-session" {
		t.Errorf("sessionId = %q, want resume token", req.SessionID)
	}
}
