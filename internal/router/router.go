// Package router delivers server events to UI windows. A window subscribes
// to at most one session at a time; session-affiliated events go only to its
// subscribers, status and global events go everywhere.
package router

import (
	"sync"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/pkg/types"
)

// windowBuffer is the per-window event channel depth. A window that cannot
// drain loses events rather than blocking the publisher.
const windowBuffer = 64

type window struct {
	id        string
	ch        chan types.ServerEvent
	sessionID string
}

// Router fans bus events out to attached windows.
type Router struct {
	mu          sync.Mutex
	windows     map[string]*window
	unsubscribe func()
}

// New creates a router and hooks it onto the bus.
func New(bus *event.Bus) *Router {
	r := &Router{windows: make(map[string]*window)}
	r.unsubscribe = bus.SubscribeAll(r.route)
	return r
}

// Close detaches the router from the bus and closes every window channel.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.windows {
		close(w.ch)
		delete(r.windows, id)
	}
}

// Attach registers a window and returns its event channel. Attaching an
// existing id replaces the previous channel.
func (r *Router) Attach(windowID string) <-chan types.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.windows[windowID]; ok {
		close(old.ch)
	}
	w := &window{id: windowID, ch: make(chan types.ServerEvent, windowBuffer)}
	r.windows[windowID] = w
	return w.ch
}

// Detach removes a window and closes its channel.
func (r *Router) Detach(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		close(w.ch)
		delete(r.windows, windowID)
	}
}

// Subscribe points a window at one session. Subscribing to a new session
// implicitly unsubscribes the previous one; an empty id just unsubscribes.
func (r *Router) Subscribe(windowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		w.sessionID = sessionID
	}
}

// SendTo delivers an event to a single window, outside the broadcast path.
// Used for request-scoped replies such as history pages and errors.
func (r *Router) SendTo(windowID string, ev types.ServerEvent) {
	r.mu.Lock()
	w, ok := r.windows[windowID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.deliver(w, ev)
}

// sessionAffiliation classifies an event: ok=false means broadcast to all
// windows, ok=true restricts delivery to subscribers of the returned
// session. The switch is exhaustive over the ServerEvent variants.
func sessionAffiliation(ev types.ServerEvent) (string, bool) {
	switch e := ev.(type) {
	case types.StreamMessageEvent:
		return e.SessionID, true
	case types.StreamUserPromptEvent:
		return e.SessionID, true
	case types.SessionHistoryEvent:
		return e.SessionID, true
	case types.PermissionRequestEvent:
		return e.SessionID, true
	case types.RunnerErrorEvent:
		// Errors with no session affiliation go everywhere.
		if e.SessionID != "" {
			return e.SessionID, true
		}
		return "", false
	case types.SessionStatusEvent:
		// Status class: every window keeps its session list current.
		return "", false
	case types.SessionListEvent, types.TaskCreatedEvent, types.TaskStatusEvent,
		types.TaskDeletedEvent, types.SchedulerNotifyEvent,
		types.ScheduledTaskListEvent, types.RecentCWDsEvent:
		return "", false
	default:
		return "", false
	}
}

// route is the bus subscriber. Session-affiliated events with zero
// subscribed windows are dropped, not queued: a window that attaches later
// fetches history through the request path.
func (r *Router) route(ev types.ServerEvent) {
	sessionID, affiliated := sessionAffiliation(ev)

	r.mu.Lock()
	targets := make([]*window, 0, len(r.windows))
	for _, w := range r.windows {
		if !affiliated || w.sessionID == sessionID {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()

	for _, w := range targets {
		r.deliver(w, ev)
	}
}

func (r *Router) deliver(w *window, ev types.ServerEvent) {
	select {
	case w.ch <- ev:
	default:
		logging.Warn().
			Str("windowID", w.id).
			Str("event", ev.EventType()).
			Msg("window channel full, event dropped")
	}
}
