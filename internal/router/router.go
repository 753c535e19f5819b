// Package router owns the per-group subscriber slot and fallback
// message buffer. Container output and mediator messages flow through
// Emit; the HTTP layer attaches at most one SSE subscriber per group.
package router

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ErrSubscribed is returned when a group already has a live subscriber.
var ErrSubscribed = errors.New("router: group already has a subscriber")

const (
	// BufferLimit bounds the per-group fallback buffer; overflow
	// drops the oldest entry.
	BufferLimit = 1000
	// channelCap sizes the live handoff channel to a subscriber.
	channelCap = 256
)

type subscriber struct {
	token string
	ch    chan protocol.StreamEvent
}

// Router routes structured events to the group's subscriber or, when
// none is attached, into the group's bounded fallback buffer.
type Router struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	buffers map[string][]protocol.StreamEvent
}

func New() *Router {
	return &Router{
		subs:    make(map[string]*subscriber),
		buffers: make(map[string][]protocol.StreamEvent),
	}
}

// Subscribe claims the group's subscriber slot and returns a token and
// the live event channel. Callers must first consume DrainBuffer, then
// read the channel until it closes or they disconnect, and finally
// call Unsubscribe.
func (r *Router) Subscribe(groupID string) (string, <-chan protocol.StreamEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[groupID]; ok {
		return "", nil, ErrSubscribed
	}
	sub := &subscriber{
		token: uuid.NewString(),
		ch:    make(chan protocol.StreamEvent, channelCap),
	}
	r.subs[groupID] = sub
	return sub.token, sub.ch, nil
}

// Unsubscribe releases the slot if token still owns it. Events the
// subscriber never read are parked back at the front of the fallback
// buffer so the next subscriber sees them first.
func (r *Router) Unsubscribe(groupID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[groupID]
	if !ok || sub.token != token {
		return
	}
	delete(r.subs, groupID)
	close(sub.ch)

	var leftovers []protocol.StreamEvent
	for ev := range sub.ch {
		if ev.Kind == protocol.EventMessage {
			leftovers = append(leftovers, ev)
		}
	}
	if len(leftovers) > 0 {
		r.buffers[groupID] = clampBuffer(append(leftovers, r.buffers[groupID]...))
	}
}

// Emit routes an event: directly to the subscriber when one is
// attached, otherwise into the fallback buffer. A subscriber that has
// stopped draining its channel is evicted so the group keeps flowing.
func (r *Router) Emit(groupID string, ev protocol.StreamEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[groupID]; ok {
		select {
		case sub.ch <- ev:
			return
		default:
			delete(r.subs, groupID)
			close(sub.ch)
			slog.Warn("subscriber evicted, channel full", "group", groupID)
		}
	}
	r.buffer(groupID, ev)
}

// DrainBuffer removes and returns the group's buffered events in emit
// order.
func (r *Router) DrainBuffer(groupID string) []protocol.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.buffers[groupID]
	delete(r.buffers, groupID)
	return buf
}

// HasSubscriber reports whether a live subscriber is attached.
func (r *Router) HasSubscriber(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[groupID]
	return ok
}

// buffer appends a message event to the fallback buffer. Terminal
// markers (done, error) are per-turn: replaying one would end a future
// subscriber's stream before its own turn produced output, so they are
// dropped when nobody is attached.
func (r *Router) buffer(groupID string, ev protocol.StreamEvent) {
	if ev.Kind != protocol.EventMessage {
		return
	}
	r.buffers[groupID] = clampBuffer(append(r.buffers[groupID], ev))
}

func clampBuffer(buf []protocol.StreamEvent) []protocol.StreamEvent {
	if over := len(buf) - BufferLimit; over > 0 {
		buf = buf[over:]
	}
	return buf
}
