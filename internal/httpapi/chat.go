package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const (
	// defaultMaxBody caps /api/chat bodies when no limit is configured.
	defaultMaxBody = 1 << 20
	// keepaliveInterval spaces SSE comment frames so idle proxies keep
	// the connection open during long container turns.
	keepaliveInterval = 30 * time.Second
)

type chatRequest struct {
	Prompt  string `json:"prompt"`
	GroupID string `json:"groupId"`
}

// handleChat accepts a prompt, claims the group's single subscriber
// slot, and streams routed events as SSE until the turn's terminal
// event. The response is committed before the prompt is submitted, so
// submission failures surface as in-band error events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	maxBody := s.cfg.HTTP.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt must not be empty"})
		return
	}

	raw := req.GroupID
	if raw == "" {
		raw = s.cfg.Agent.MainGroupFolder
	}
	groupID, err := groups.NormalizeGroupID(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid groupId"})
		return
	}

	// First contact registers the group; the raw id survives as the
	// display name.
	if !s.registry.Exists(groupID) {
		g := store.Group{ID: groupID, Name: raw, Folder: groupID}
		if err := s.registry.Register(r.Context(), g); err != nil {
			slog.Error("auto-register failed", "group", groupID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not register group"})
			return
		}
	}

	token, events, err := s.router.Subscribe(groupID)
	if errors.Is(err, router.ErrSubscribed) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "another stream is active for this group"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "subscribe failed"})
		return
	}
	defer s.router.Unsubscribe(groupID, token)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Output that arrived while nobody was attached goes out first,
	// then the live channel takes over.
	for _, ev := range s.router.DrainBuffer(groupID) {
		writeEvent(w, flusher, ev)
	}

	if _, err := s.queue.Submit(groupID, req.Prompt); err != nil {
		msg := "prompt rejected"
		switch {
		case errors.Is(err, queue.ErrDraining):
			msg = "host is shutting down"
		case errors.Is(err, queue.ErrPromptPending):
			msg = "a prompt is already pending for this group"
		}
		writeEvent(w, flusher, protocol.StreamEvent{Kind: protocol.EventError, Error: msg})
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the deferred Unsubscribe parks unread
			// output back in the buffer.
			return
		case ev, ok := <-events:
			if !ok {
				// Evicted: the router reclaimed the slot.
				return
			}
			writeEvent(w, flusher, ev)
			if ev.Terminal() {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeEvent emits one SSE frame: an event name line, a JSON data
// line, and a blank separator.
func writeEvent(w io.Writer, flusher http.Flusher, ev protocol.StreamEvent) {
	var payload any
	switch ev.Kind {
	case protocol.EventMessage:
		payload = protocol.MessageFrame{Text: ev.Text}
	case protocol.EventError:
		payload = protocol.ErrorFrame{Error: ev.Error}
	case protocol.EventDone:
		frame := protocol.DoneFrame{}
		if ev.NewSessionID != "" {
			frame.SessionID = &ev.NewSessionID
		}
		payload = frame
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal sse frame failed", "kind", ev.Kind, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	flusher.Flush()
}
