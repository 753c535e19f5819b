package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	fail   bool
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *fakeStdin) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStdin) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func (f *fakeStdin) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeProc struct {
	proc       *Process
	stdin      *fakeStdin
	done       chan struct{}
	closeOnce  sync.Once
	terminated atomic.Int32
	killed     atomic.Int32
}

// newFakeProc builds a Process whose Terminate/Kill close Done.
func newFakeProc(name string) *fakeProc {
	fp := &fakeProc{
		stdin: &fakeStdin{},
		done:  make(chan struct{}),
	}
	fp.proc = &Process{
		Stdin:         fp.stdin,
		Done:          fp.done,
		ContainerName: name,
		Terminate: func() error {
			fp.terminated.Add(1)
			fp.exit()
			return nil
		},
		Kill: func() error {
			fp.killed.Add(1)
			fp.exit()
			return nil
		},
	}
	return fp
}

func (fp *fakeProc) exit() {
	fp.closeOnce.Do(func() { close(fp.done) })
}

func testConfig() Config {
	return Config{
		IdleTimeout: 40 * time.Millisecond,
		StdinGrace:  30 * time.Millisecond,
		KillGrace:   20 * time.Millisecond,
	}
}

func TestSubmitQueuedRunsPending(t *testing.T) {
	q := New(testConfig())

	got := make(chan PendingPrompt, 1)
	q.SetProcessPromptFn(func(groupID string) error {
		p, ok := q.TakePending(groupID)
		if !ok {
			t.Error("no pending prompt")
		}
		got <- p
		return nil
	})

	res, err := q.Submit("main", "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitQueued {
		t.Errorf("res = %q, want queued", res)
	}

	select {
	case p := <-got:
		if p.Prompt != "hello" || p.Isolated {
			t.Errorf("pending = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("process fn never ran")
	}
}

func TestSubmitWithIsolated(t *testing.T) {
	q := New(testConfig())
	got := make(chan PendingPrompt, 1)
	q.SetProcessPromptFn(func(groupID string) error {
		p, _ := q.TakePending(groupID)
		got <- p
		return nil
	})

	res, err := q.SubmitWith("main", "scheduled report", SubmitOptions{Isolated: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitQueued {
		t.Errorf("res = %q, want queued", res)
	}

	select {
	case p := <-got:
		if !p.Isolated {
			t.Error("isolated flag lost")
		}
	case <-time.After(time.Second):
		t.Fatal("process fn never ran")
	}
}

func TestSubmitPiped(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	res, err := q.Submit("main", "follow-up")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitPiped {
		t.Errorf("res = %q, want piped", res)
	}
	var turn protocol.RunRequest
	if err := json.Unmarshal([]byte(fp.stdin.String()), &turn); err != nil {
		t.Fatalf("stdin %q is not a JSON turn: %v", fp.stdin.String(), err)
	}
	if turn.Prompt != "follow-up" || turn.ChatJID != "main" || turn.Folder != "main" {
		t.Errorf("turn = %+v", turn)
	}

	fp.exit()
}

func TestPipedTurnEncoding(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	fp.proc.IsMain = true
	q.RegisterProcess("main", fp.proc, "main")

	if _, err := q.Submit("main", "line one\nline two"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	raw := fp.stdin.String()
	lines := strings.Split(strings.TrimSuffix(raw, "\n"), "\n")
	if !strings.HasSuffix(raw, "\n") || len(lines) != 1 {
		t.Fatalf("stdin = %q, want one newline-terminated line per turn", raw)
	}

	var turn map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &turn); err != nil {
		t.Fatalf("turn line is not a JSON object: %v", err)
	}
	if got := turn["prompt"]; got != "line one\nline two" {
		t.Errorf("prompt = %q, want newline preserved", got)
	}
	if turn["chatJid"] != "main" || turn["folder"] != "main" || turn["isMain"] != true {
		t.Errorf("turn = %v, want chatJid/folder/isMain carried", turn)
	}
	if _, ok := turn["sessionId"]; ok {
		t.Error("piped turn carries a sessionId; the live subprocess owns its session")
	}

	fp.exit()
}

func TestPendingConflictWhenObserved(t *testing.T) {
	q := New(testConfig())
	q.SetObserverFn(func(string) bool { return true })

	gate := make(chan struct{})
	q.SetProcessPromptFn(func(groupID string) error {
		<-gate
		q.TakePending(groupID)
		return nil
	})

	if _, err := q.Submit("main", "first"); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := q.Submit("main", "second")
	if !errors.Is(err, ErrPromptPending) {
		t.Errorf("err = %v, want ErrPromptPending", err)
	}
	close(gate)
}

func TestPendingReplacedWhenUnobserved(t *testing.T) {
	q := New(testConfig())
	q.SetObserverFn(func(string) bool { return false })

	gate := make(chan struct{})
	got := make(chan PendingPrompt, 2)
	q.SetProcessPromptFn(func(groupID string) error {
		<-gate
		if p, ok := q.TakePending(groupID); ok {
			got <- p
		}
		return nil
	})

	if _, err := q.Submit("main", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit("main", "second"); err != nil {
		t.Fatalf("replace should succeed: %v", err)
	}
	close(gate)

	select {
	case p := <-got:
		if p.Prompt != "second" {
			t.Errorf("ran %q, want the replacement", p.Prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("process fn never ran")
	}
}

func TestPendingConflictStampedAtSubmit(t *testing.T) {
	q := New(testConfig())
	var attached bool
	q.SetObserverFn(func(string) bool { return attached })

	gate := make(chan struct{})
	got := make(chan PendingPrompt, 2)
	q.SetProcessPromptFn(func(groupID string) error {
		<-gate
		if p, ok := q.TakePending(groupID); ok {
			got <- p
		}
		return nil
	})

	// A scheduled prompt lands while nobody is watching; a chat
	// subscriber then attaches and submits. The unobserved prompt is
	// replaced instead of bouncing the user's first message.
	if _, err := q.Submit("main", "scheduled"); err != nil {
		t.Fatalf("unobserved submit: %v", err)
	}
	attached = true
	if _, err := q.Submit("main", "from-chat"); err != nil {
		t.Fatalf("replace after attach: %v", err)
	}

	// The surviving prompt was stamped under an observer; the slot
	// stays protected even after the observer detaches.
	attached = false
	if _, err := q.Submit("main", "third"); !errors.Is(err, ErrPromptPending) {
		t.Errorf("err = %v, want ErrPromptPending", err)
	}
	close(gate)

	select {
	case p := <-got:
		if p.Prompt != "from-chat" {
			t.Errorf("ran %q, want the observed replacement", p.Prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("process fn never ran")
	}
}

func TestBrokenPipeFallsBackToQueue(t *testing.T) {
	q := New(testConfig())
	ran := make(chan string, 1)
	q.SetProcessPromptFn(func(groupID string) error {
		p, _ := q.TakePending(groupID)
		ran <- p.Prompt
		return nil
	})

	fp := newFakeProc("c1")
	fp.stdin.fail = true
	q.RegisterProcess("main", fp.proc, "main")

	res, err := q.Submit("main", "retry-me")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitQueued {
		t.Errorf("res = %q, want queued after broken pipe", res)
	}
	if q.HasLiveProcess("main") {
		t.Error("group still has live process after broken pipe")
	}

	select {
	case p := <-ran:
		if p != "retry-me" {
			t.Errorf("prompt = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("pending prompt never processed")
	}
	fp.exit()
}

func TestIdleTimeoutClosesStdin(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	deadline := time.Now().Add(2 * time.Second)
	for !fp.stdin.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("stdin never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fp.exit() // container exits on EOF

	// A new submit goes to the queue, not the dead pipe.
	q.SetProcessPromptFn(func(groupID string) error {
		q.TakePending(groupID)
		return nil
	})
	time.Sleep(10 * time.Millisecond) // let watchExit clear the handle
	res, err := q.Submit("main", "next")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitQueued {
		t.Errorf("res = %q, want queued", res)
	}
}

func TestTouchDefersIdleClose(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	// Keep touching for longer than the idle timeout.
	for i := 0; i < 8; i++ {
		time.Sleep(15 * time.Millisecond)
		q.Touch("main")
		if fp.stdin.Closed() {
			t.Fatal("stdin closed despite activity")
		}
	}

	// Stop touching; idle close follows.
	deadline := time.Now().Add(2 * time.Second)
	for !fp.stdin.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("stdin never closed after activity stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fp.exit()
}

func TestEscalationTerminatesLingerer(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	q.CloseStdin("main")

	select {
	case <-fp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("lingering process never stopped")
	}
	if fp.terminated.Load() == 0 {
		t.Error("terminate never called")
	}
}

func TestPendingWaitsForExit(t *testing.T) {
	q := New(testConfig())
	ran := make(chan string, 1)
	q.SetProcessPromptFn(func(groupID string) error {
		p, _ := q.TakePending(groupID)
		ran <- p.Prompt
		return nil
	})

	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")
	q.CloseStdin("main")

	res, err := q.Submit("main", "after-close")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != SubmitQueued {
		t.Fatalf("res = %q, want queued", res)
	}

	// Not processed while the old subprocess is alive.
	select {
	case <-ran:
		t.Fatal("pending ran before subprocess exit")
	case <-time.After(20 * time.Millisecond):
	}

	fp.exit()
	select {
	case p := <-ran:
		if p != "after-close" {
			t.Errorf("prompt = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("pending never ran after exit")
	}
}

func TestShutdownDrains(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	// The fake exits when its stdin closes.
	go func() {
		for !fp.stdin.Closed() {
			time.Sleep(2 * time.Millisecond)
		}
		fp.exit()
	}()

	done := make(chan struct{})
	go func() {
		q.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung")
	}

	if _, err := q.Submit("main", "late"); !errors.Is(err, ErrDraining) {
		t.Errorf("err = %v, want ErrDraining", err)
	}
	if fp.killed.Load() != 0 {
		t.Error("cooperative exit should not be killed")
	}
}

func TestShutdownKillsStragglers(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	// Break Terminate so only Kill ends it.
	fp.proc.Terminate = func() error { return nil }
	q.RegisterProcess("main", fp.proc, "main")

	q.Shutdown(50 * time.Millisecond)

	if fp.killed.Load() == 0 {
		t.Error("straggler was not killed")
	}
}

func TestStopGroup(t *testing.T) {
	q := New(testConfig())
	fp := newFakeProc("c1")
	q.RegisterProcess("main", fp.proc, "main")

	if err := q.StopGroup(context.Background(), "main"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if fp.terminated.Load() == 0 {
		t.Error("terminate never called")
	}

	// Stopping a group with no process is a no-op.
	if err := q.StopGroup(context.Background(), "ghost"); err != nil {
		t.Errorf("stop ghost: %v", err)
	}
}

func TestGroupsIndependent(t *testing.T) {
	q := New(testConfig())
	fpA := newFakeProc("a")
	fpB := newFakeProc("b")
	q.RegisterProcess("team-a", fpA.proc, "team-a")
	q.RegisterProcess("team-b", fpB.proc, "team-b")

	if _, err := q.Submit("team-a", "for-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit("team-b", "for-b"); err != nil {
		t.Fatal(err)
	}

	var turnA, turnB protocol.RunRequest
	if err := json.Unmarshal([]byte(fpA.stdin.String()), &turnA); err != nil {
		t.Fatalf("team-a stdin %q: %v", fpA.stdin.String(), err)
	}
	if err := json.Unmarshal([]byte(fpB.stdin.String()), &turnB); err != nil {
		t.Fatalf("team-b stdin %q: %v", fpB.stdin.String(), err)
	}
	if turnA.Prompt != "for-a" || turnA.ChatJID != "team-a" {
		t.Errorf("team-a turn = %+v", turnA)
	}
	if turnB.Prompt != "for-b" || turnB.ChatJID != "team-b" {
		t.Errorf("team-b turn = %+v", turnB)
	}
	fpA.exit()
	fpB.exit()
}
