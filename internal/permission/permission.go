// Package permission implements the tool-call approval gate: every
// side-effecting tool call pauses here until the user approves or denies it,
// or the owning session aborts.
package permission

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/pkg/types"
)

// Decision is the resolution of one pending request.
type Decision struct {
	Approved bool
	// Reason is set on automatic denials, e.g. "Session aborted".
	Reason string
}

// pending is one outstanding approval. The channel is buffered and resolved
// at most once; whichever of user response or abort wins delivers, the
// loser's attempt is a no-op.
type pending struct {
	toolName string
	input    json.RawMessage
	ch       chan Decision
	once     sync.Once
}

func (p *pending) resolve(d Decision) {
	p.once.Do(func() {
		p.ch <- d
	})
}

// Gate tracks pending tool-call approvals per session.
type Gate struct {
	mu      sync.Mutex
	bus     *event.Bus
	pending map[string]map[string]*pending // sessionID -> toolCallID -> entry
}

// NewGate creates a gate publishing permission requests on bus.
func NewGate(bus *event.Bus) *Gate {
	return &Gate{
		bus:     bus,
		pending: make(map[string]map[string]*pending),
	}
}

// Request registers a pending approval for a tool call, emits the
// permission.request event and returns the generated tool-call id with the
// channel the decision arrives on. The channel receives exactly one value.
func (g *Gate) Request(sessionID, toolName string, input json.RawMessage) (string, <-chan Decision) {
	toolCallID := ulid.Make().String()
	p := &pending{
		toolName: toolName,
		input:    input,
		ch:       make(chan Decision, 1),
	}

	g.mu.Lock()
	byCall, ok := g.pending[sessionID]
	if !ok {
		byCall = make(map[string]*pending)
		g.pending[sessionID] = byCall
	}
	byCall[toolCallID] = p
	g.mu.Unlock()

	logging.Debug().
		Str("sessionID", sessionID).
		Str("toolCallID", toolCallID).
		Str("tool", toolName).
		Msg("permission requested")

	g.bus.PublishSync(types.PermissionRequestEvent{
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Input:      input,
	})

	return toolCallID, p.ch
}

// Respond resolves a pending request with the user's decision and removes it.
// A response for an unknown tool-call id is logged and dropped.
func (g *Gate) Respond(sessionID, toolCallID string, approved bool) error {
	g.mu.Lock()
	p, ok := g.pending[sessionID][toolCallID]
	if ok {
		delete(g.pending[sessionID], toolCallID)
		if len(g.pending[sessionID]) == 0 {
			delete(g.pending, sessionID)
		}
	}
	g.mu.Unlock()

	if !ok {
		logging.Warn().
			Str("sessionID", sessionID).
			Str("toolCallID", toolCallID).
			Msg("permission response for unknown tool call")
		return fmt.Errorf("no pending permission %s for session %s", toolCallID, sessionID)
	}

	p.resolve(Decision{Approved: approved})
	return nil
}

// AbortSession denies every pending request for the session. After it
// returns no request for that session is left waiting.
func (g *Gate) AbortSession(sessionID string) {
	g.mu.Lock()
	byCall := g.pending[sessionID]
	delete(g.pending, sessionID)
	g.mu.Unlock()

	for toolCallID, p := range byCall {
		logging.Debug().
			Str("sessionID", sessionID).
			Str("toolCallID", toolCallID).
			Msg("permission auto-denied on abort")
		p.resolve(Decision{Approved: false, Reason: "Session aborted"})
	}
}

// PendingCount reports the number of outstanding requests for a session.
func (g *Gate) PendingCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[sessionID])
}
