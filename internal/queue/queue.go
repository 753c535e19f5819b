// Package queue serializes prompt delivery per group. It exclusively
// owns the subprocess handle for each group: at most one live
// subprocess per group, FIFO prompt order within a group, independent
// progress across groups.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

var (
	// ErrDraining rejects submissions during shutdown.
	ErrDraining = errors.New("queue: shutting down")
	// ErrPromptPending rejects a second submission while an observed
	// prompt is already waiting.
	ErrPromptPending = errors.New("queue: prompt already pending")
)

// SubmitResult reports how a prompt was accepted.
type SubmitResult string

const (
	// SubmitPiped means the prompt was written to a live subprocess.
	SubmitPiped SubmitResult = "piped"
	// SubmitQueued means the prompt waits for a subprocess spawn.
	SubmitQueued SubmitResult = "queued"
)

// Process is the handle a container runner registers for a live
// subprocess. Done must be closed when the subprocess exits.
type Process struct {
	Stdin         io.WriteCloser
	Done          <-chan struct{}
	Terminate     func() error
	Kill          func() error
	ContainerName string

	// IsMain rides along on piped turn requests.
	IsMain bool
}

// ProcessPromptFn runs the group's pending prompt to completion:
// take the prompt, spawn the container, wait for the run to finish.
type ProcessPromptFn func(groupID string) error

// ObserverFn reports whether a subscriber is currently attached to the
// group's output stream.
type ObserverFn func(groupID string) bool

// Config carries the queue timings.
type Config struct {
	IdleTimeout time.Duration
	StdinGrace  time.Duration
	KillGrace   time.Duration
}

// SubmitOptions modify how a queued prompt is run.
type SubmitOptions struct {
	// Isolated runs the prompt without the group's persistent session.
	// Scheduled tasks use it; the stored session is left untouched.
	Isolated bool
}

// PendingPrompt is the prompt parked for the next subprocess spawn.
type PendingPrompt struct {
	Prompt   string
	Isolated bool

	// observed records whether a subscriber was attached at submit.
	// An observed prompt is never silently replaced.
	observed bool
}

type groupState struct {
	proc       *Process
	stdinOpen  bool
	folder     string
	pending    *PendingPrompt
	idleTimer  *time.Timer
	lastOutput time.Time
	processing bool

	// writeMu serializes stdin writes and the close.
	writeMu sync.Mutex
}

// Queue is the per-group prompt serializer.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	groups   map[string]*groupState
	draining bool

	processPrompt ProcessPromptFn
	hasObserver   ObserverFn

	workers sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.StdinGrace <= 0 {
		cfg.StdinGrace = 10 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Queue{
		cfg:    cfg,
		groups: make(map[string]*groupState),
	}
}

// SetProcessPromptFn installs the callback that runs a queued prompt.
// Must be set before any Submit.
func (q *Queue) SetProcessPromptFn(fn ProcessPromptFn) {
	q.mu.Lock()
	q.processPrompt = fn
	q.mu.Unlock()
}

// SetObserverFn installs the subscriber lookup consulted at submit
// time to decide whether the pending prompt is protected from
// replacement.
func (q *Queue) SetObserverFn(fn ObserverFn) {
	q.mu.Lock()
	q.hasObserver = fn
	q.mu.Unlock()
}

func (q *Queue) group(groupID string) *groupState {
	gs, ok := q.groups[groupID]
	if !ok {
		gs = &groupState{}
		q.groups[groupID] = gs
	}
	return gs
}

// Submit delivers a prompt to the group: piped into a live subprocess
// when its stdin is open, otherwise parked in the single pending slot
// for the next spawn. A pending prompt submitted while a subscriber
// was attached is never replaced; the second submission gets
// ErrPromptPending. An unobserved pending prompt is replaced in place,
// latest wins.
func (q *Queue) Submit(groupID, prompt string) (SubmitResult, error) {
	return q.SubmitWith(groupID, prompt, SubmitOptions{})
}

// SubmitWith is Submit with options. A prompt piped into a live
// subprocess joins that conversation regardless of options; they apply
// only when the prompt waits for a fresh spawn.
func (q *Queue) SubmitWith(groupID, prompt string, opts SubmitOptions) (SubmitResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return "", ErrDraining
	}
	gs := q.group(groupID)

	if gs.proc != nil && gs.stdinOpen {
		proc := gs.proc
		folder := gs.folder
		q.mu.Unlock()

		// A follow-up turn is one JSON line in the same shape as the
		// spawn request, minus the session: the live subprocess keeps
		// its own conversation.
		data, err := json.Marshal(protocol.RunRequest{
			Prompt:  prompt,
			ChatJID: groupID,
			Folder:  folder,
			IsMain:  proc.IsMain,
		})
		if err != nil {
			return "", fmt.Errorf("encode turn: %w", err)
		}

		gs.writeMu.Lock()
		_, err = proc.Stdin.Write(append(data, '\n'))
		gs.writeMu.Unlock()
		if err == nil {
			return SubmitPiped, nil
		}

		// Broken pipe: the subprocess is gone or closed its end.
		// Treat the group as having no live subprocess and queue.
		slog.Warn("stdin write failed, queueing prompt", "group", groupID, "error", err)
		q.mu.Lock()
		if q.draining {
			q.mu.Unlock()
			return "", ErrDraining
		}
		if gs.proc == proc {
			gs.stdinOpen = false
			gs.proc = nil
		}
	}
	defer q.mu.Unlock()

	if gs.pending != nil && gs.pending.observed {
		return "", ErrPromptPending
	}
	observed := q.hasObserver != nil && q.hasObserver(groupID)
	gs.pending = &PendingPrompt{Prompt: prompt, Isolated: opts.Isolated, observed: observed}
	q.scheduleProcessNowLocked(groupID)
	return SubmitQueued, nil
}

// TakePending pops the group's pending prompt, if any. Called by the
// process-prompt callback before spawning.
func (q *Queue) TakePending(groupID string) (PendingPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[groupID]
	if !ok || gs.pending == nil {
		return PendingPrompt{}, false
	}
	p := *gs.pending
	gs.pending = nil
	return p, true
}

// RegisterProcess stores the subprocess handle for a group and arms
// the idle timer. The container runner calls this immediately after
// spawn.
func (q *Queue) RegisterProcess(groupID string, proc *Process, folder string) {
	q.mu.Lock()
	gs := q.group(groupID)
	gs.proc = proc
	gs.stdinOpen = true
	gs.folder = folder
	gs.lastOutput = time.Now()
	q.armIdleLocked(groupID, gs)
	q.mu.Unlock()

	go q.watchExit(groupID, proc)
}

// Touch resets the idle clock; the runner calls it on every piece of
// subprocess output.
func (q *Queue) Touch(groupID string) {
	q.mu.Lock()
	if gs, ok := q.groups[groupID]; ok {
		gs.lastOutput = time.Now()
	}
	q.mu.Unlock()
}

// HasLiveProcess reports whether the group has a live subprocess.
func (q *Queue) HasLiveProcess(groupID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[groupID]
	return ok && gs.proc != nil
}

// CloseStdin closes the group's subprocess stdin. The subprocess is
// expected to exit on EOF; if it lingers, terminate then kill.
func (q *Queue) CloseStdin(groupID string) {
	q.mu.Lock()
	if gs, ok := q.groups[groupID]; ok {
		q.closeStdinLocked(groupID, gs)
	}
	q.mu.Unlock()
}

// StopGroup terminates the group's live subprocess and waits for it to
// exit. Used when a session is deleted out from under a group.
func (q *Queue) StopGroup(ctx context.Context, groupID string) error {
	q.mu.Lock()
	gs, ok := q.groups[groupID]
	if !ok || gs.proc == nil {
		q.mu.Unlock()
		return nil
	}
	proc := gs.proc
	if gs.stdinOpen {
		gs.stdinOpen = false
		go func() {
			gs.writeMu.Lock()
			proc.Stdin.Close()
			gs.writeMu.Unlock()
		}()
	}
	q.mu.Unlock()

	if proc.Terminate != nil {
		if err := proc.Terminate(); err != nil {
			slog.Warn("terminate failed", "group", groupID, "error", err)
		}
	}
	select {
	case <-proc.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(q.cfg.KillGrace):
	}

	if proc.Kill != nil {
		if err := proc.Kill(); err != nil {
			slog.Warn("kill failed", "group", groupID, "error", err)
		}
	}
	select {
	case <-proc.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new submissions, closes every live subprocess's
// stdin, waits up to timeout for them to exit, and kills stragglers.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.draining = true
	var procs []*Process
	for groupID, gs := range q.groups {
		if gs.proc != nil {
			procs = append(procs, gs.proc)
			if gs.stdinOpen {
				q.closeStdinLocked(groupID, gs)
			}
		}
	}
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, proc := range procs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.forceKill(proc)
			continue
		}
		select {
		case <-proc.Done:
		case <-time.After(remaining):
			q.forceKill(proc)
		}
	}
	q.workers.Wait()
}

func (q *Queue) forceKill(proc *Process) {
	slog.Warn("shutdown deadline reached, killing container", "container", proc.ContainerName)
	if proc.Kill != nil {
		_ = proc.Kill()
	}
}

// scheduleProcessNowLocked starts a worker to run the pending prompt.
// A live subprocess defers the spawn to watchExit. Requires q.mu.
func (q *Queue) scheduleProcessNowLocked(groupID string) {
	gs := q.groups[groupID]
	if gs.processing || gs.proc != nil || q.processPrompt == nil {
		return
	}
	gs.processing = true
	q.workers.Add(1)
	go q.runPending(groupID)
}

func (q *Queue) runPending(groupID string) {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		gs := q.groups[groupID]
		if q.draining || gs.pending == nil || gs.proc != nil {
			gs.processing = false
			q.mu.Unlock()
			return
		}
		fn := q.processPrompt
		q.mu.Unlock()

		if err := fn(groupID); err != nil {
			slog.Error("prompt run failed", "group", groupID, "error", err)
		}
	}
}

// watchExit clears the handle when the subprocess exits and reschedules
// any prompt that queued up in the meantime.
func (q *Queue) watchExit(groupID string, proc *Process) {
	<-proc.Done

	q.mu.Lock()
	gs, ok := q.groups[groupID]
	if ok && gs.proc == proc {
		gs.proc = nil
		gs.stdinOpen = false
		if gs.idleTimer != nil {
			gs.idleTimer.Stop()
			gs.idleTimer = nil
		}
	}
	if ok && gs.pending != nil && !q.draining {
		q.scheduleProcessNowLocked(groupID)
	}
	q.mu.Unlock()
}

// armIdleLocked starts the idle timer for the current subprocess.
// The timer re-checks the last-output mark when it fires, so Touch
// does not need to reset it. Requires q.mu.
func (q *Queue) armIdleLocked(groupID string, gs *groupState) {
	if gs.idleTimer != nil {
		gs.idleTimer.Stop()
	}
	proc := gs.proc
	gs.idleTimer = time.AfterFunc(q.cfg.IdleTimeout, func() {
		q.idleFire(groupID, proc)
	})
}

func (q *Queue) idleFire(groupID string, proc *Process) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs, ok := q.groups[groupID]
	if !ok || gs.proc != proc || !gs.stdinOpen {
		return
	}
	idle := time.Since(gs.lastOutput)
	if idle < q.cfg.IdleTimeout {
		gs.idleTimer = time.AfterFunc(q.cfg.IdleTimeout-idle, func() {
			q.idleFire(groupID, proc)
		})
		return
	}
	slog.Info("idle timeout, closing stdin", "group", groupID, "container", proc.ContainerName)
	q.closeStdinLocked(groupID, gs)
}

// closeStdinLocked closes the subprocess stdin off the lock path and
// starts the terminate/kill escalation. Requires q.mu.
func (q *Queue) closeStdinLocked(groupID string, gs *groupState) {
	if gs.proc == nil || !gs.stdinOpen {
		return
	}
	gs.stdinOpen = false
	proc := gs.proc
	go func() {
		gs.writeMu.Lock()
		_ = proc.Stdin.Close()
		gs.writeMu.Unlock()
		q.escalate(groupID, proc)
	}()
}

// escalate waits for exit after stdin EOF, then terminates, then kills.
func (q *Queue) escalate(groupID string, proc *Process) {
	select {
	case <-proc.Done:
		return
	case <-time.After(q.cfg.StdinGrace):
	}

	slog.Warn("container ignored stdin EOF, terminating", "group", groupID, "container", proc.ContainerName)
	if proc.Terminate != nil {
		_ = proc.Terminate()
	}

	select {
	case <-proc.Done:
		return
	case <-time.After(q.cfg.KillGrace):
	}

	slog.Warn("container ignored terminate, killing", "group", groupID, "container", proc.ContainerName)
	if proc.Kill != nil {
		_ = proc.Kill()
	}
}
