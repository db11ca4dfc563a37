// Package session orchestrates agent conversations: it owns the runner
// handles, drives the streaming loop with the tool-permission handshake and
// publishes every status transition.
package session

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/localdesk/localdesk/internal/capability"
	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/internal/permission"
	"github.com/localdesk/localdesk/internal/provider"
	"github.com/localdesk/localdesk/internal/store"
	"github.com/localdesk/localdesk/pkg/types"
)

// StatusHook observes session status transitions. Hooks run synchronously on
// the goroutine that caused the transition, so task aggregation is
// serialized per triggering event.
type StatusHook func(sessionID string, status types.SessionStatus)

// Service owns all in-memory runner state for the process lifetime.
type Service struct {
	store   *store.Store
	bus     *event.Bus
	gate    *permission.Gate
	backend provider.Backend
	caps    *capability.Registry

	defaultModel string

	mu      sync.Mutex
	runners map[string]*Runner
	starts  map[string]*sync.Mutex

	hookMu sync.Mutex
	hooks  []StatusHook
}

// NewService wires the orchestrator to its collaborators.
func NewService(st *store.Store, bus *event.Bus, gate *permission.Gate, backend provider.Backend, caps *capability.Registry, defaultModel string) *Service {
	return &Service{
		store:        st,
		bus:          bus,
		gate:         gate,
		backend:      backend,
		caps:         caps,
		defaultModel: defaultModel,
		runners:      make(map[string]*Runner),
		starts:       make(map[string]*sync.Mutex),
	}
}

// RegisterStatusHook adds a hook invoked on every status transition.
func (s *Service) RegisterStatusHook(h StatusHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Gate returns the permission gate, for resolving responses.
func (s *Service) Gate() *permission.Gate {
	return s.gate
}

// Start creates a fresh session and runs its initial prompt.
func (s *Service) Start(req types.SessionStartRequest) (*types.Session, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	title := req.Title
	if title == "" {
		title = truncateTitle(req.Prompt)
	}

	sess := &types.Session{
		ID:          ulid.Make().String(),
		Title:       title,
		Status:      types.SessionIdle,
		CWD:         req.CWD,
		Model:       model,
		Temperature: req.Temperature,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	s.publishList()

	if err := s.Run(sess.ID, req.Prompt); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateIdle creates a session without starting it. Used for task members
// whose prompt is stored for a later start.
func (s *Service) CreateIdle(title, cwd, model, threadID, prompt string, temperature *float64) (*types.Session, error) {
	if model == "" {
		model = s.defaultModel
	}
	sess := &types.Session{
		ID:          ulid.Make().String(),
		Title:       title,
		Status:      types.SessionIdle,
		CWD:         cwd,
		Model:       model,
		Temperature: temperature,
		ThreadID:    threadID,
		LastPrompt:  prompt,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	s.publishList()
	return sess, nil
}

// Continue resumes an existing session with a new prompt.
func (s *Service) Continue(sessionID, prompt string) error {
	return s.Run(sessionID, prompt)
}

// Run is the single start path for every invocation: interactive starts,
// continues, task member starts and scheduled runs. A still-live runner for
// the session is aborted first.
func (s *Service) Run(sessionID, prompt string) error {
	lock := s.startLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.runLocked(sessionID, prompt)
}

// startLock returns the per-session mutex serializing the abort-and-install
// sequence. Run is reachable concurrently from the HTTP dispatcher, the task
// orchestrator and the scheduler; without this two overlapping starts could
// both observe no live runner and install one each, orphaning the first.
func (s *Service) startLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.starts[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.starts[sessionID] = l
	}
	return l
}

func (s *Service) runLocked(sessionID, prompt string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	s.abortAndWait(sessionID)

	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Kind:      types.MessageUser,
		Content:   prompt,
	}
	if err := s.store.RecordMessage(userMsg); err != nil {
		return err
	}
	if err := s.store.UpdateSession(sessionID, store.SessionPatch{LastPrompt: &prompt}); err != nil {
		return err
	}
	s.bus.PublishSync(types.StreamUserPromptEvent{SessionID: sessionID, Message: userMsg})

	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(sessionID, cancel)

	s.mu.Lock()
	s.runners[sessionID] = r
	s.mu.Unlock()

	s.setStatus(sessionID, types.SessionRunning, "")

	go s.runLoop(ctx, r, sess, prompt)
	return nil
}

// Stop aborts the session's runner, if any. Stopping an idle session is a
// no-op, not an error.
func (s *Service) Stop(sessionID string) {
	s.abortAndWait(sessionID)
}

// abortAndWait aborts any live runner for the session and waits for its
// loop to exit. Pending permissions are denied before the cancel so no
// waiter can observe the abort as a user denial race.
func (s *Service) abortAndWait(sessionID string) {
	s.mu.Lock()
	r := s.runners[sessionID]
	s.mu.Unlock()
	if r == nil {
		return
	}

	s.gate.AbortSession(sessionID)
	r.Abort()
	<-r.Done()
}

// Delete aborts and removes a session.
func (s *Service) Delete(sessionID string) error {
	lock := s.startLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.abortAndWait(sessionID)
	if err := s.store.DeleteSession(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.starts, sessionID)
	s.mu.Unlock()
	s.publishList()
	return nil
}

// Pin sets the session's pin flag.
func (s *Service) Pin(sessionID string, pinned bool) error {
	if err := s.store.SetPinned(sessionID, pinned); err != nil {
		return err
	}
	s.publishList()
	return nil
}

// Update patches session metadata. Status is owned by the state machine and
// is not patchable here.
func (s *Service) Update(req types.SessionUpdateRequest) error {
	err := s.store.UpdateSession(req.SessionID, store.SessionPatch{
		Title:       req.Title,
		Model:       req.Model,
		CWD:         req.CWD,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}
	s.publishList()
	return nil
}

// EditMessage replaces the message at index with a new prompt: everything
// from index on is discarded, the resume token is cleared because the
// conversation was rewritten, and the session re-runs with the replacement.
func (s *Service) EditMessage(sessionID string, index int, prompt string) error {
	if index < 0 {
		return fmt.Errorf("invalid message index %d", index)
	}
	if _, err := s.store.GetSession(sessionID); err != nil {
		return err
	}

	lock := s.startLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.abortAndWait(sessionID)

	if err := s.store.TruncateHistoryAfter(sessionID, index-1); err != nil {
		return err
	}
	empty := ""
	if err := s.store.UpdateSession(sessionID, store.SessionPatch{ResumeToken: &empty}); err != nil {
		return err
	}
	return s.runLocked(sessionID, prompt)
}

// History returns a history page for a session. A zero limit returns the
// full history oldest first; otherwise a newest-first page before cursor.
func (s *Service) History(sessionID string, limit int, cursor int64) (*types.SessionHistoryEvent, error) {
	if _, err := s.store.GetSession(sessionID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		msgs, err := s.store.SessionHistory(sessionID)
		if err != nil {
			return nil, err
		}
		return &types.SessionHistoryEvent{SessionID: sessionID, Messages: msgs}, nil
	}

	msgs, hasMore, nextCursor, err := s.store.SessionHistoryPage(sessionID, limit, cursor)
	if err != nil {
		return nil, err
	}
	return &types.SessionHistoryEvent{
		SessionID:  sessionID,
		Messages:   msgs,
		HasMore:    hasMore,
		NextCursor: nextCursor,
	}, nil
}

// List returns all sessions.
func (s *Service) List() ([]*types.Session, error) {
	return s.store.ListSessions()
}

// Get returns one session.
func (s *Service) Get(sessionID string) (*types.Session, error) {
	return s.store.GetSession(sessionID)
}

// RecentCWDs returns recently used working directories.
func (s *Service) RecentCWDs(limit int) ([]string, error) {
	return s.store.ListRecentCWDs(limit)
}

// setStatus persists a status transition, publishes it and runs the hooks.
// PublishSync keeps per-session event order: the caller is the only
// goroutine producing events for this session.
func (s *Service) setStatus(sessionID string, status types.SessionStatus, errText string) {
	st := status
	if err := s.store.UpdateSession(sessionID, store.SessionPatch{Status: &st}); err != nil {
		logging.Error().Err(err).
			Str("sessionID", sessionID).
			Str("status", string(status)).
			Msg("persist status transition")
	}

	s.bus.PublishSync(types.SessionStatusEvent{SessionID: sessionID, Status: status, Error: errText})

	s.hookMu.Lock()
	hooks := make([]StatusHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h(sessionID, status)
	}
}

// publishList broadcasts the refreshed session list.
func (s *Service) publishList() {
	sessions, err := s.store.ListSessions()
	if err != nil {
		logging.Error().Err(err).Msg("list sessions for broadcast")
		return
	}
	s.bus.Publish(types.SessionListEvent{Sessions: sessions})
}

// removeRunner drops the runner from the map if it is still the current one.
func (s *Service) removeRunner(r *Runner) {
	s.mu.Lock()
	if s.runners[r.sessionID] == r {
		delete(s.runners, r.sessionID)
	}
	s.mu.Unlock()
}

const maxTitleLen = 60

// truncateTitle derives a session title from the first prompt, cutting on a
// rune boundary so multi-byte prompts stay valid UTF-8.
func truncateTitle(prompt string) string {
	if len(prompt) <= maxTitleLen {
		return prompt
	}
	cut := maxTitleLen
	for cut > 0 && !utf8.RuneStart(prompt[cut]) {
		cut--
	}
	return prompt[:cut] + "..."
}
