package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SSE event names pushed to streaming chat clients.
const (
	EventMessage = "message"
	EventError   = "error"
	EventDone    = "done"
)

// StreamEvent is one routed unit of container output. Kind is always one of
// the SSE event names above. NewSessionID rides along on done events so the
// client learns the resumable session; empty means none was issued this turn.
type StreamEvent struct {
	Kind         string    `json:"kind"`
	Text         string    `json:"text,omitempty"`
	Error        string    `json:"error,omitempty"`
	NewSessionID string    `json:"newSessionId,omitempty"`
	At           time.Time `json:"at"`
}

// Terminal reports whether the event ends its stream. Exactly one terminal
// event closes a chat turn: done, or error with implicit end.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// SSE frame payloads. The done payload carries sessionId as string-or-null.
type (
	MessageFrame struct {
		Text string `json:"text"`
	}
	ErrorFrame struct {
		Error string `json:"error"`
	}
	DoneFrame struct {
		SessionID *string `json:"sessionId"`
	}
)

// Agent record types emitted by the container on stdout, one JSON object per
// line. Anything on stdout that is not one of these is logged and ignored.
const (
	RecordMessage = "message"
	RecordSession = "session"
	RecordError   = "error"
	RecordDone    = "done"
)

// AgentRecord is one parsed line of container stdout.
type AgentRecord struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunRequest is the per-turn JSON object the host writes to the container's
// standard input. Env entries are flattened onto the top-level object, which
// is how the agent runtime expects to receive them.
type RunRequest struct {
	Prompt    string
	SessionID string // empty = start fresh; serialized only when set
	ChatJID   string
	Folder    string
	IsMain    bool
	Env       map[string]string
}

// MarshalJSON flattens Env onto the top-level object. Env keys that collide
// with a fixed field are dropped rather than allowed to clobber it.
func (r RunRequest) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, 5+len(r.Env))
	for k, v := range r.Env {
		obj[k] = v
	}
	obj["prompt"] = r.Prompt
	obj["chatJid"] = r.ChatJID
	obj["folder"] = r.Folder
	obj["isMain"] = r.IsMain
	if r.SessionID != "" {
		obj["sessionId"] = r.SessionID
	} else {
		delete(obj, "sessionId")
	}
	return json.Marshal(obj)
}

// UnmarshalJSON restores the fixed fields and gathers everything else into
// Env. Present for test round-trips and any future host-side consumers.
func (r *RunRequest) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	str := func(key string) (string, error) {
		raw, ok := obj[key]
		if !ok {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("field %q: %w", key, err)
		}
		delete(obj, key)
		return s, nil
	}
	var err error
	if r.Prompt, err = str("prompt"); err != nil {
		return err
	}
	if r.SessionID, err = str("sessionId"); err != nil {
		return err
	}
	if r.ChatJID, err = str("chatJid"); err != nil {
		return err
	}
	if r.Folder, err = str("folder"); err != nil {
		return err
	}
	if raw, ok := obj["isMain"]; ok {
		if err := json.Unmarshal(raw, &r.IsMain); err != nil {
			return fmt.Errorf("field %q: %w", "isMain", err)
		}
		delete(obj, "isMain")
	}
	if len(obj) > 0 {
		r.Env = make(map[string]string, len(obj))
		for k, raw := range obj {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				r.Env[k] = s
			}
		}
	}
	return nil
}

// TaskSnapshot is one entry of the tasks.json view written for a container
// before each run: all tasks for main, only the group's own otherwise.
type TaskSnapshot struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       *int64 `json:"next_run"` // unix millis, null when unset
	GroupFolder   string `json:"groupFolder"`
}

// GroupSnapshot is one entry of the groups.json view: the full registry for
// main, a single self entry otherwise.
type GroupSnapshot struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LastActivity *int64 `json:"lastActivity"` // unix millis, null when never
	IsRegistered bool   `json:"isRegistered"`
}
