// Package scheduler fires stored tasks into the group queue when their
// next-run instant arrives.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// TargetLookup reports whether a task's target group is registered.
type TargetLookup interface {
	Exists(folder string) bool
}

// Submitter delivers a fired prompt to the target group's queue.
type Submitter interface {
	SubmitWith(groupID, prompt string, opts queue.SubmitOptions) (queue.SubmitResult, error)
}

// Scheduler wakes at a fixed cadence and fires every active task whose
// nextRun has passed, in nextRun order with taskId as tiebreak.
type Scheduler struct {
	tasks  store.TaskStore
	groups TargetLookup
	submit Submitter
	tick   time.Duration
	loc    *time.Location
	tracer trace.Tracer
}

func New(tasks store.TaskStore, groups TargetLookup, submit Submitter, tick time.Duration, loc *time.Location, tracer trace.Tracer) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		tasks:  tasks,
		groups: groups,
		submit: submit,
		tick:   tick,
		loc:    loc,
		tracer: tracer,
	}
}

// Run loops until the context is canceled. Per-tick errors are logged,
// never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.fireDue(ctx, time.Now()); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) error {
	due, err := s.tasks.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("load due tasks: %w", err)
	}
	for i := range due {
		s.fire(ctx, &due[i], now)
	}
	return nil
}

// fire advances one task's schedule and submits its prompt. The
// schedule change is persisted before the submission: a crash between
// the two loses at most one run, never repeats one.
func (s *Scheduler) fire(ctx context.Context, task *store.Task, now time.Time) {
	ctx, span := s.tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.target", task.ChatJID),
		attribute.String("task.schedule", task.ScheduleType),
	))
	defer span.End()

	if !s.groups.Exists(task.ChatJID) {
		slog.Warn("task target unregistered, pausing", "task", task.ID, "target", task.ChatJID)
		s.pause(ctx, task)
		return
	}

	switch task.ScheduleType {
	case protocol.ScheduleOnce:
		if err := s.tasks.Delete(ctx, task.ID); err != nil {
			slog.Error("one-shot task delete failed", "task", task.ID, "error", err)
			return
		}
	default:
		next, err := ComputeNextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
		if err != nil {
			slog.Warn("task schedule no longer computable, pausing", "task", task.ID, "error", err)
			s.pause(ctx, task)
			return
		}
		task.NextRun = next
		task.LastRun = &now
		if err := s.tasks.Update(ctx, *task); err != nil {
			slog.Error("task advance failed", "task", task.ID, "error", err)
			return
		}
	}

	isolated := task.ContextMode != protocol.ContextGroup
	res, err := s.submit.SubmitWith(task.ChatJID, task.Prompt, queue.SubmitOptions{Isolated: isolated})
	if err != nil {
		// The schedule already advanced; this occurrence is skipped.
		slog.Warn("task submission rejected", "task", task.ID, "group", task.ChatJID, "error", err)
		return
	}
	slog.Info("task fired", "task", task.ID, "group", task.ChatJID, "result", string(res))
}

func (s *Scheduler) pause(ctx context.Context, task *store.Task) {
	task.Status = protocol.TaskPaused
	task.NextRun = nil
	if err := s.tasks.Update(ctx, *task); err != nil {
		slog.Error("task pause failed", "task", task.ID, "error", err)
	}
}
