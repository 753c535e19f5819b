// Package ipc applies command files that agent containers drop into
// their group inbox: outbound messages, task operations, and group
// registrations. The directory a file arrives in is the writer's
// identity; nothing inside the file is trusted to name the sender.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/obs"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// GroupDirectory is the registry surface the mediator reads and mutates.
type GroupDirectory interface {
	Exists(folder string) bool
	Register(ctx context.Context, g store.Group) error
}

// Emitter delivers outbound events to a group's live stream or buffer.
type Emitter interface {
	Emit(groupID string, ev protocol.StreamEvent)
}

// Config carries the mediator's settings.
type Config struct {
	// DataDir is the host data root; the inbox tree lives at
	// <DataDir>/ipc/<sourceGroup>/{messages,tasks}.
	DataDir string
	// MainFolder names the privileged group whose inbox may target
	// any group and register new ones.
	MainFolder string
	// AssistantName prefixes outbound message text.
	AssistantName string
	// PollInterval is the scan cadence. The poll is the delivery
	// contract; filesystem watches only make it faster.
	PollInterval time.Duration
	// Watch enables fsnotify wakeups between polls.
	Watch bool
	// Location resolves cron and once schedules.
	Location *time.Location
}

// Mediator owns the inbox tree and applies each file exactly once:
// applied files are unlinked, unauthorized ones are logged and deleted,
// and files that fail to apply are quarantined under ipc/errors so a
// bad payload cannot wedge the scan loop.
type Mediator struct {
	cfg      Config
	groups   GroupDirectory
	tasks    store.TaskStore
	emitter  Emitter
	tracer   trace.Tracer
	throttle *obs.Throttle
}

func New(cfg Config, dir GroupDirectory, tasks store.TaskStore, emitter Emitter, tracer trace.Tracer) *Mediator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Mediator{
		cfg:      cfg,
		groups:   dir,
		tasks:    tasks,
		emitter:  emitter,
		tracer:   tracer,
		throttle: obs.NewThrottle(time.Minute),
	}
}

func (m *Mediator) root() string      { return filepath.Join(m.cfg.DataDir, "ipc") }
func (m *Mediator) errorsDir() string { return filepath.Join(m.root(), "errors") }

// Run scans the inbox tree until ctx is canceled.
func (m *Mediator) Run(ctx context.Context) error {
	if err := os.MkdirAll(m.errorsDir(), 0o755); err != nil {
		return fmt.Errorf("create ipc dirs: %w", err)
	}

	var wake <-chan struct{}
	if m.cfg.Watch {
		w, err := watchInbox(m.root())
		if err != nil {
			slog.Warn("ipc watch unavailable, polling only", "error", err)
		} else {
			defer w.Close()
			wake = w.C
		}
	}

	slog.Info("ipc mediator started", "root", m.root(), "poll", m.cfg.PollInterval)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("ipc mediator stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
		m.Scan(ctx)
	}
}

// Scan processes every pending inbox file once. Errors never abort the
// scan; whatever could not be applied is quarantined or retried on the
// next pass.
func (m *Mediator) Scan(ctx context.Context) {
	sources, err := os.ReadDir(m.root())
	if err != nil {
		if !os.IsNotExist(err) {
			m.throttle.Log(slog.LevelWarn, "ipc root unreadable", "error", err)
		}
		return
	}
	for _, src := range sources {
		if !src.IsDir() || src.Name() == "errors" {
			continue
		}
		for _, kind := range []string{"messages", "tasks"} {
			m.scanDir(ctx, src.Name(), filepath.Join(m.root(), src.Name(), kind))
		}
	}
}

func (m *Mediator) scanDir(ctx context.Context, source, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.throttle.Log(slog.LevelWarn, "ipc inbox unreadable", "dir", dir, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		// ReadDir reports the entry itself, not a symlink's target;
		// only regular files are agent messages.
		if !e.Type().IsRegular() {
			slog.Warn("ipc entry not a regular file, dropping", "source", source, "file", e.Name())
			m.remove(filepath.Join(dir, e.Name()))
			continue
		}
		names = append(names, e.Name())
	}
	// Agents name files <millis>-<rand>.json, so name order is arrival
	// order.
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		m.handleFile(ctx, source, filepath.Join(dir, name))
	}
}

// disposition says what to do with an inbox file after dispatch.
type disposition int

const (
	// dispApplied: the operation committed; unlink the file.
	dispApplied disposition = iota
	// dispRejected: unauthorized or semantically invalid; log and
	// delete. Rejected files never reach the errors directory, so a
	// hostile agent cannot fill it.
	dispRejected
	// dispFailed: the host could not apply a well-intentioned file
	// (parse error, store failure); quarantine it for inspection.
	dispFailed
)

func (m *Mediator) handleFile(ctx context.Context, source, path string) {
	if !m.insideInbox(path) {
		slog.Warn("ipc file escapes inbox, dropping", "source", source, "file", filepath.Base(path))
		m.remove(path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Losing the race with a writer's rename is routine.
		if !os.IsNotExist(err) {
			m.throttle.Log(slog.LevelWarn, "ipc file unreadable", "file", path, "error", err)
		}
		return
	}

	disp, opType, err := m.apply(ctx, source, data)
	switch disp {
	case dispApplied:
		m.remove(path)
	case dispRejected:
		slog.Warn("ipc file rejected", "source", source, "type", opType, "file", filepath.Base(path), "reason", err)
		m.remove(path)
	case dispFailed:
		// A shutdown can abort the store write mid-apply. Leave the
		// file in place so the next startup scan retries it.
		if ctx.Err() != nil {
			return
		}
		slog.Error("ipc apply failed, quarantining", "source", source, "type", opType, "file", filepath.Base(path), "error", err)
		m.quarantine(source, path)
	}
}

func (m *Mediator) apply(ctx context.Context, source string, data []byte) (disposition, string, error) {
	var env protocol.IPCEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return dispFailed, "", fmt.Errorf("parse envelope: %w", err)
	}

	ctx, span := m.tracer.Start(ctx, "ipc.apply", trace.WithAttributes(
		attribute.String("ipc.source", source),
		attribute.String("ipc.type", env.Type),
	))
	defer span.End()

	isMain := source == m.cfg.MainFolder
	var (
		disp disposition
		err  error
	)
	switch env.Type {
	case protocol.IPCMessage:
		disp, err = m.applyMessage(source, isMain, data)
	case protocol.IPCScheduleTask:
		disp, err = m.applyScheduleTask(ctx, source, isMain, data)
	case protocol.IPCPauseTask, protocol.IPCResumeTask, protocol.IPCCancelTask:
		disp, err = m.applyTaskOp(ctx, source, isMain, env.Type, data)
	case protocol.IPCRegisterGroup:
		disp, err = m.applyRegisterGroup(ctx, source, isMain, data)
	default:
		disp, err = dispFailed, fmt.Errorf("unknown ipc type %q", env.Type)
	}
	return disp, env.Type, err
}

func (m *Mediator) applyMessage(source string, isMain bool, data []byte) (disposition, error) {
	var p protocol.IPCMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return dispFailed, fmt.Errorf("parse message: %w", err)
	}
	if p.ChatJID == "" || p.Text == "" {
		return dispFailed, errors.New("message missing chatJid or text")
	}
	target, err := groups.NormalizeGroupID(p.ChatJID)
	if err != nil {
		return dispFailed, fmt.Errorf("chatJid: %w", err)
	}
	if !isMain && target != source {
		return dispRejected, fmt.Errorf("group %q may not message %q", source, target)
	}

	m.emitter.Emit(target, protocol.StreamEvent{
		Kind: protocol.EventMessage,
		Text: m.cfg.AssistantName + ": " + p.Text,
	})
	slog.Debug("ipc message delivered", "source", source, "target", target)
	return dispApplied, nil
}

func (m *Mediator) applyScheduleTask(ctx context.Context, source string, isMain bool, data []byte) (disposition, error) {
	var p protocol.IPCScheduleTaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return dispFailed, fmt.Errorf("parse schedule_task: %w", err)
	}
	if p.Prompt == "" || p.ScheduleType == "" || p.ScheduleValue == "" || p.TargetJID == "" {
		return dispFailed, errors.New("schedule_task missing required fields")
	}
	target, err := groups.NormalizeGroupID(p.TargetJID)
	if err != nil {
		return dispFailed, fmt.Errorf("targetJid: %w", err)
	}
	if !m.groups.Exists(target) {
		return dispRejected, fmt.Errorf("target group %q not registered", target)
	}
	if !isMain && target != source {
		return dispRejected, fmt.Errorf("group %q may not schedule for %q", source, target)
	}

	now := time.Now()
	next, err := scheduler.ComputeNextRun(p.ScheduleType, p.ScheduleValue, now, m.cfg.Location)
	if err != nil {
		// A bad schedule is the agent's mistake, not a host failure.
		return dispRejected, err
	}

	mode := p.ContextMode
	if mode != protocol.ContextGroup {
		mode = protocol.ContextIsolated
	}
	task := store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   target,
		ChatJID:       target,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   mode,
		Status:        protocol.TaskActive,
		NextRun:       next,
		CreatedBy:     source,
		CreatedAt:     now,
	}
	if err := m.tasks.Create(ctx, task); err != nil {
		return dispFailed, fmt.Errorf("persist task: %w", err)
	}
	slog.Info("task scheduled", "task", task.ID, "target", target, "schedule", p.ScheduleType, "source", source)
	return dispApplied, nil
}

func (m *Mediator) applyTaskOp(ctx context.Context, source string, isMain bool, opType string, data []byte) (disposition, error) {
	var p protocol.IPCTaskOpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return dispFailed, fmt.Errorf("parse %s: %w", opType, err)
	}
	if p.TaskID == "" {
		return dispFailed, fmt.Errorf("%s missing taskId", opType)
	}

	task, err := m.tasks.Get(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Replays after a crash may reference a task already gone;
		// the op is a no-op, not an error.
		slog.Debug("ipc task op on unknown task", "op", opType, "task", p.TaskID, "source", source)
		return dispApplied, nil
	}
	if err != nil {
		return dispFailed, fmt.Errorf("load task: %w", err)
	}
	if !isMain && task.GroupFolder != source {
		return dispRejected, fmt.Errorf("group %q may not modify task %q of %q", source, p.TaskID, task.GroupFolder)
	}

	switch opType {
	case protocol.IPCCancelTask:
		if err := m.tasks.Delete(ctx, p.TaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return dispFailed, fmt.Errorf("delete task: %w", err)
		}
	case protocol.IPCPauseTask:
		task.Status = protocol.TaskPaused
		task.NextRun = nil
		if err := m.tasks.Update(ctx, *task); err != nil {
			return dispFailed, fmt.Errorf("pause task: %w", err)
		}
	case protocol.IPCResumeTask:
		next, err := scheduler.ComputeNextRun(task.ScheduleType, task.ScheduleValue, time.Now(), m.cfg.Location)
		if err != nil {
			return dispRejected, fmt.Errorf("resume %q: %w", p.TaskID, err)
		}
		task.Status = protocol.TaskActive
		task.NextRun = next
		if err := m.tasks.Update(ctx, *task); err != nil {
			return dispFailed, fmt.Errorf("resume task: %w", err)
		}
	}
	slog.Info("task op applied", "op", opType, "task", p.TaskID, "source", source)
	return dispApplied, nil
}

func (m *Mediator) applyRegisterGroup(ctx context.Context, source string, isMain bool, data []byte) (disposition, error) {
	var p protocol.IPCRegisterGroupPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return dispFailed, fmt.Errorf("parse register_group: %w", err)
	}
	if !isMain {
		return dispRejected, fmt.Errorf("register_group from non-main group %q", source)
	}
	if p.JID == "" || p.Name == "" {
		return dispFailed, errors.New("register_group missing jid or name")
	}

	folder, err := groups.NormalizeGroupID(p.JID)
	if err != nil {
		return dispFailed, fmt.Errorf("jid: %w", err)
	}
	if p.Folder != "" && p.Folder != folder {
		slog.Warn("register_group folder ignored, derived from jid", "given", p.Folder, "derived", folder)
	}

	g := store.Group{ID: folder, Name: p.Name, Folder: folder, Trigger: p.Trigger}
	if cc := p.ContainerConfig; cc != nil {
		g.Container = &store.GroupContainerConfig{Image: cc.Image, Mounts: cc.Mounts, Env: cc.Env}
	}
	if err := m.groups.Register(ctx, g); err != nil {
		return dispFailed, fmt.Errorf("register group: %w", err)
	}
	return dispApplied, nil
}

// insideInbox resolves symlinks and verifies the file's real path still
// sits under the inbox root. The directory name is the authorization
// boundary, so a symlinked entry must not smuggle in content from
// elsewhere on the host.
func (m *Mediator) insideInbox(path string) bool {
	realRoot, err := filepath.EvalSymlinks(m.root())
	if err != nil {
		return false
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(realRoot, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Mediator) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("ipc file delete failed", "file", path, "error", err)
	}
}

// quarantine moves a file to <root>/errors/<source>-<name>. If even the
// move fails the file is deleted so one bad entry cannot hot-loop the
// scanner.
func (m *Mediator) quarantine(source, path string) {
	if err := os.MkdirAll(m.errorsDir(), 0o755); err != nil {
		slog.Error("ipc errors dir unavailable", "error", err)
		m.remove(path)
		return
	}
	dst := filepath.Join(m.errorsDir(), source+"-"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		slog.Error("ipc quarantine failed", "file", path, "error", err)
		m.remove(path)
	}
}
