package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const (
	// maxLineBytes bounds a single stdout record. Agents emit compact
	// JSON lines; anything past this is a runaway.
	maxLineBytes = 1 << 20

	// maxStderrTail bounds the stderr kept for error reports.
	maxStderrTail = 4096
)

// ProcessTable receives subprocess lifecycle notifications. The group
// queue implements it; registration must happen before the first output
// so the idle timer covers the whole run.
type ProcessTable interface {
	RegisterProcess(groupID string, proc *queue.Process, folder string)
	Touch(groupID string)
}

// Config carries the container-runtime settings for the runner.
type Config struct {
	Runtime        string // container CLI binary, e.g. "docker"
	Image          string
	NamePrefix     string
	GroupsDir      string
	DataDir        string
	EnvPassthrough []string
}

// RunParams is one turn request.
type RunParams struct {
	Prompt    string
	SessionID string // empty = fresh conversation
	ChatJID   string
	Folder    string
	IsMain    bool
}

// RunResult reports the outcome of a container run.
type RunResult struct {
	Status       string // "success" or "error"
	NewSessionID string
	Error        string
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OnOutputFn receives each structured event parsed from the container,
// in stdout order. The terminal event for a turn is always last.
type OnOutputFn func(ev protocol.StreamEvent)

// Runner spawns one container per run and owns the stdout parse loop.
type Runner struct {
	cfg       Config
	procs     ProcessTable
	sessions  store.SessionStore
	snapshots *SnapshotWriter
	tracer    trace.Tracer
}

func NewRunner(cfg Config, procs ProcessTable, sessions store.SessionStore, snapshots *SnapshotWriter, tracer trace.Tracer) *Runner {
	return &Runner{
		cfg:       cfg,
		procs:     procs,
		sessions:  sessions,
		snapshots: snapshots,
		tracer:    tracer,
	}
}

// Run spawns the group's container, writes the turn request to its
// stdin, and parses stdout records until the subprocess exits. It
// returns an error only when the subprocess could not be started; any
// failure after spawn is reported through onOutput and the result.
//
// The subprocess handle is registered with the process table right
// after spawn; the queue, not the runner, decides when stdin closes and
// when the process is signaled. Run blocks until exit, so follow-up
// prompts piped to stdin by the queue are parsed by this same loop and
// their events keep stdout order.
func (r *Runner) Run(ctx context.Context, group store.Group, params RunParams, onOutput OnOutputFn) (RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "container.run", trace.WithAttributes(
		attribute.String("group.id", params.ChatJID),
		attribute.Bool("group.main", params.IsMain),
	))
	defer span.End()

	if err := r.snapshots.Write(ctx, params.Folder); err != nil {
		// The run matters more than the view files; the agent sees
		// the previous snapshot.
		slog.Warn("snapshot write failed", "group", params.ChatJID, "error", err)
	}

	name := fmt.Sprintf("%s%s-%d", r.cfg.NamePrefix, params.Folder, time.Now().UnixMilli())
	span.SetAttributes(attribute.String("container.name", name))

	env := r.runEnv(group)
	args, err := r.buildArgs(group, name, env)
	if err != nil {
		return RunResult{}, err
	}

	cmd := exec.Command(r.cfg.Runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailWriter{limit: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", r.cfg.Runtime, err)
	}
	slog.Info("container started", "group", params.ChatJID, "container", name, "image", imageFor(group, r.cfg.Image))

	done := make(chan struct{})
	proc := &queue.Process{
		Stdin:         stdin,
		Done:          done,
		ContainerName: name,
		IsMain:        params.IsMain,
		Terminate: func() error {
			return exec.Command(r.cfg.Runtime, "stop", name).Run()
		},
		Kill: func() error {
			return exec.Command(r.cfg.Runtime, "kill", name).Run()
		},
	}
	r.procs.RegisterProcess(params.ChatJID, proc, params.Folder)

	if err := r.writeRequest(stdin, params, env); err != nil {
		// The read loop below observes the dead pipe's EOF and the
		// exit code carries the diagnosis.
		slog.Warn("turn request write failed", "group", params.ChatJID, "container", name, "error", err)
	}

	res := r.readLoop(ctx, params, stdout, onOutput)

	waitErr := cmd.Wait()
	close(done)

	return r.finish(params, res, waitErr, stderr.String(), onOutput), nil
}

// runEnv resolves the environment forwarded into the container: the
// host allowlist first, then per-group overrides.
func (r *Runner) runEnv(group store.Group) map[string]string {
	env := make(map[string]string)
	for _, key := range r.cfg.EnvPassthrough {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if group.Container != nil {
		for k, v := range group.Container.Env {
			env[k] = v
		}
	}
	return env
}

// buildArgs assembles the container invocation and pre-creates every
// host-side mount source so the runtime does not create them itself.
func (r *Runner) buildArgs(group store.Group, name string, env map[string]string) ([]string, error) {
	folder := group.Folder
	groupDir := filepath.Join(r.cfg.GroupsDir, folder)
	ipcDir := filepath.Join(r.cfg.DataDir, "ipc", folder)
	snapDir := r.snapshots.Dir(folder)

	for _, dir := range []string{
		groupDir,
		filepath.Join(ipcDir, "messages"),
		filepath.Join(ipcDir, "tasks"),
		snapDir,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create mount dir: %w", err)
		}
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"-v", groupDir + ":/workspace/group",
		"-v", ipcDir + ":/workspace/ipc",
		"-v", snapDir + ":/workspace/snapshots:ro",
	}
	if group.Container != nil {
		for _, m := range group.Container.Mounts {
			args = append(args, "-v", m)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, imageFor(group, r.cfg.Image))
	return args, nil
}

func imageFor(group store.Group, fallback string) string {
	if group.Container != nil && group.Container.Image != "" {
		return group.Container.Image
	}
	return fallback
}

// writeRequest sends the turn request as one JSON line.
func (r *Runner) writeRequest(stdin io.Writer, params RunParams, env map[string]string) error {
	req := protocol.RunRequest{
		Prompt:    params.Prompt,
		SessionID: params.SessionID,
		ChatJID:   params.ChatJID,
		Folder:    params.Folder,
		IsMain:    params.IsMain,
		Env:       env,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode turn request: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn request: %w", err)
	}
	return nil
}

type loopResult struct {
	newSessionID string
	errored      bool
	errMsg       string
	openTurn     bool
}

// readLoop parses stdout records until the pipe closes at subprocess
// exit. openTurn tracks whether output arrived after the last terminal
// marker, so exit synthesis only closes a turn that is actually open.
func (r *Runner) readLoop(ctx context.Context, params RunParams, stdout io.ReadCloser, onOutput OnOutputFn) loopResult {
	res := loopResult{openTurn: true}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.procs.Touch(params.ChatJID)

		var rec protocol.AgentRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type == "" {
			slog.Debug("ignoring non-record stdout line", "group", params.ChatJID, "line", truncate(line, 200))
			continue
		}

		switch rec.Type {
		case protocol.RecordMessage:
			res.openTurn = true
			text := StripInternal(rec.Text)
			if text == "" {
				continue
			}
			onOutput(protocol.StreamEvent{Kind: protocol.EventMessage, Text: text})

		case protocol.RecordSession:
			res.openTurn = true
			if rec.SessionID == "" {
				continue
			}
			res.newSessionID = rec.SessionID
			if err := r.sessions.Set(ctx, params.Folder, rec.SessionID); err != nil {
				slog.Error("session save failed", "folder", params.Folder, "error", err)
			}

		case protocol.RecordError:
			res.errored = true
			res.errMsg = rec.Error
			res.openTurn = false
			onOutput(protocol.StreamEvent{Kind: protocol.EventError, Error: rec.Error})

		case protocol.RecordDone:
			res.openTurn = false
			onOutput(protocol.StreamEvent{Kind: protocol.EventDone, NewSessionID: res.newSessionID})

		default:
			slog.Debug("unknown record type", "group", params.ChatJID, "type", rec.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stdout read failed", "group", params.ChatJID, "error", err)
		// Drain so the subprocess cannot wedge on a full pipe.
		go io.Copy(io.Discard, stdout)
	}
	return res
}

// finish derives the run outcome from the parse state and exit code,
// synthesizing a terminal event when the subprocess exited mid-turn.
func (r *Runner) finish(params RunParams, res loopResult, waitErr error, stderrTail string, onOutput OnOutputFn) RunResult {
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	if res.openTurn {
		if exitCode == 0 {
			onOutput(protocol.StreamEvent{Kind: protocol.EventDone, NewSessionID: res.newSessionID})
		} else {
			msg := fmt.Sprintf("agent exited with code %d", exitCode)
			if stderrTail != "" {
				msg += ": " + stderrTail
			}
			res.errored = true
			res.errMsg = msg
			onOutput(protocol.StreamEvent{Kind: protocol.EventError, Error: msg})
		}
	}

	out := RunResult{Status: StatusSuccess, NewSessionID: res.newSessionID}
	if res.errored {
		out.Status = StatusError
		out.Error = res.errMsg
	}
	slog.Info("container run finished",
		"group", params.ChatJID,
		"status", out.Status,
		"exit_code", exitCode,
	)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailWriter keeps the last limit bytes written, for error reports.
type tailWriter struct {
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return strings.TrimSpace(string(w.buf))
}
