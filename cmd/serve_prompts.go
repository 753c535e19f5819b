package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// makeProcessPromptFn wires the queue's spawn callback to the container
// runner: take the pending prompt, resolve the stored session, run the
// container to completion, and route every event to the group's stream.
//
// A prompt gets exactly one spawn attempt. When the runtime cannot start
// the container the subscriber sees a terminal error event and the
// prompt is dropped; retrying a prompt the user already saw fail would
// double-deliver it after the runtime recovers.
func makeProcessPromptFn(
	ctx context.Context,
	cfg *config.Config,
	reg *groups.Registry,
	q *queue.Queue,
	runner *container.Runner,
	rt *router.Router,
	sessions store.SessionStore,
) queue.ProcessPromptFn {
	return func(groupID string) error {
		pending, ok := q.TakePending(groupID)
		if !ok {
			return nil
		}

		// The queue owns run cancellation (stdin close, terminate,
		// kill). Detach from the serve context so a shutdown signal
		// does not abort session and activity writes mid-drain.
		ctx := context.WithoutCancel(ctx)

		group, ok := reg.Get(groupID)
		if !ok {
			rt.Emit(groupID, protocol.StreamEvent{
				Kind:  protocol.EventError,
				Error: fmt.Sprintf("group %q is not registered", groupID),
			})
			return fmt.Errorf("group %q not registered", groupID)
		}

		// Scheduled isolated runs never see or touch the stored session.
		sessionID := ""
		if !pending.Isolated {
			s, err := sessions.Get(ctx, group.Folder)
			if err != nil {
				slog.Warn("session lookup failed", "group", groupID, "error", err)
			} else {
				sessionID = s
			}
		}

		res, err := runner.Run(ctx, group, container.RunParams{
			Prompt:    pending.Prompt,
			SessionID: sessionID,
			ChatJID:   group.ID,
			Folder:    group.Folder,
			IsMain:    group.Folder == cfg.Agent.MainGroupFolder,
		}, func(ev protocol.StreamEvent) {
			rt.Emit(groupID, ev)
		})
		if err != nil {
			rt.Emit(groupID, protocol.StreamEvent{
				Kind:  protocol.EventError,
				Error: "agent failed to start: " + err.Error(),
			})
			return err
		}

		reg.TouchActivity(ctx, group.Folder, time.Now())
		if res.Status == container.StatusError {
			slog.Warn("agent turn errored", "group", groupID, "error", res.Error)
		}
		return nil
	}
}
