// Package task fans a prompt out across multiple thread sessions and
// aggregates their statuses into one task status.
package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/pkg/types"
)

// SessionOps is the slice of the session orchestrator the task service
// drives. Narrowed to an interface so tests can fake members.
type SessionOps interface {
	CreateIdle(title, cwd, model, threadID, prompt string, temperature *float64) (*types.Session, error)
	Run(sessionID, prompt string) error
	Stop(sessionID string)
	Delete(sessionID string) error
	Get(sessionID string) (*types.Session, error)
	History(sessionID string, limit int, cursor int64) (*types.SessionHistoryEvent, error)
}

// state is the in-memory record for one task. Tasks live for the process
// lifetime only; their members are persisted sessions.
type state struct {
	task *types.Task
	// prompts maps member session id to its start prompt.
	prompts map[string]string
	// summarySpawned guards the auto-summary: one spawn per task, and the
	// summary thread's own completion must not re-trigger it.
	summarySpawned bool
}

// Service owns the in-memory task registry.
type Service struct {
	bus      *event.Bus
	sessions SessionOps

	mu      sync.Mutex
	tasks   map[string]*state
	members map[string]string // member session id -> task id
}

// NewService creates the task orchestrator.
func NewService(bus *event.Bus, sessions SessionOps) *Service {
	return &Service{
		bus:      bus,
		sessions: sessions,
		tasks:    make(map[string]*state),
		members:  make(map[string]string),
	}
}

// memberSpec is one resolved member before creation.
type memberSpec struct {
	label  string
	prompt string
	model  string
}

// resolveMembers expands the fan-out parameters into per-member specs.
func resolveMembers(mode types.TaskMode, params types.FanoutParams) ([]memberSpec, error) {
	switch mode {
	case types.TaskConsensus:
		if params.Quantity <= 0 {
			return nil, fmt.Errorf("consensus task needs a positive quantity")
		}
		specs := make([]memberSpec, params.Quantity)
		for i := range specs {
			specs[i] = memberSpec{
				label:  fmt.Sprintf("thread-%d", i+1),
				prompt: params.Prompt,
				model:  params.Model,
			}
		}
		return specs, nil

	case types.TaskDifferentTasks, types.TaskRoleGroup:
		if len(params.Threads) == 0 {
			return nil, fmt.Errorf("%s task needs at least one thread", mode)
		}
		specs := make([]memberSpec, len(params.Threads))
		for i, t := range params.Threads {
			label := t.Role
			if label == "" {
				label = fmt.Sprintf("thread-%d", i+1)
			}
			specs[i] = memberSpec{label: label, prompt: t.Prompt, model: t.Model}
		}
		return specs, nil

	default:
		return nil, fmt.Errorf("unknown task mode %q", mode)
	}
}

// Create builds the member sessions, registers the task and immediately
// starts every member with a non-empty prompt. Empty-prompt members stay
// idle until an explicit start.
func (s *Service) Create(req types.TaskCreateRequest) (*types.Task, error) {
	specs, err := resolveMembers(req.Mode, req.Params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	task := &types.Task{
		ID:          ulid.Make().String(),
		Title:       req.Title,
		Mode:        req.Mode,
		Status:      types.TaskCreated,
		AutoSummary: req.AutoSummary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	st := &state{task: task, prompts: make(map[string]string)}
	for _, spec := range specs {
		title := req.Title + " / " + spec.label
		sess, err := s.sessions.CreateIdle(title, req.CWD, spec.model, spec.label, spec.prompt, nil)
		if err != nil {
			return nil, fmt.Errorf("create task member: %w", err)
		}
		task.ThreadIDs = append(task.ThreadIDs, sess.ID)
		st.prompts[sess.ID] = spec.prompt
	}

	s.mu.Lock()
	s.tasks[task.ID] = st
	for _, id := range task.ThreadIDs {
		s.members[id] = task.ID
	}
	s.mu.Unlock()

	s.bus.PublishSync(types.TaskCreatedEvent{Task: task})
	s.setStatus(task.ID, types.TaskRunning)

	s.startMembers(task.ID)
	return task, nil
}

// Start re-enters the start-all-members path. Idempotent per member: a
// member already running is left alone.
func (s *Service) Start(taskID string) error {
	s.mu.Lock()
	_, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	s.setStatus(taskID, types.TaskRunning)
	s.startMembers(taskID)
	return nil
}

// startMembers starts every member with a non-empty prompt that is not
// already running. Runs outside the lock: starting a member fires the
// status hook, which re-enters HandleSessionStatus.
func (s *Service) startMembers(taskID string) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	memberIDs := append([]string(nil), st.task.ThreadIDs...)
	prompts := make(map[string]string, len(st.prompts))
	for id, p := range st.prompts {
		prompts[id] = p
	}
	s.mu.Unlock()

	for _, id := range memberIDs {
		prompt := prompts[id]
		if prompt == "" {
			continue
		}
		sess, err := s.sessions.Get(id)
		if err != nil {
			logging.Warn().Err(err).Str("sessionID", id).Msg("task member missing at start")
			continue
		}
		if sess.Status == types.SessionRunning {
			continue
		}
		if err := s.sessions.Run(id, prompt); err != nil {
			logging.Error().Err(err).
				Str("taskID", taskID).
				Str("sessionID", id).
				Msg("start task member")
		}
	}
}

// Stop aborts every member's runner without deleting anything. The members'
// idle transitions recompute the task through the status hook.
func (s *Service) Stop(taskID string) error {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	memberIDs := append([]string(nil), st.task.ThreadIDs...)
	s.mu.Unlock()

	for _, id := range memberIDs {
		s.sessions.Stop(id)
	}
	return nil
}

// Delete aborts every member's runner, deletes every member session and
// removes the task.
func (s *Service) Delete(taskID string) error {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	memberIDs := append([]string(nil), st.task.ThreadIDs...)
	delete(s.tasks, taskID)
	for _, id := range memberIDs {
		delete(s.members, id)
	}
	s.mu.Unlock()

	for _, id := range memberIDs {
		s.sessions.Stop(id)
		if err := s.sessions.Delete(id); err != nil {
			logging.Warn().Err(err).
				Str("taskID", taskID).
				Str("sessionID", id).
				Msg("delete task member")
		}
	}

	s.bus.PublishSync(types.TaskDeletedEvent{TaskID: taskID})
	return nil
}

// Get returns a snapshot of one task.
func (s *Service) Get(taskID string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return snapshot(st.task), true
}

// List returns snapshots of all tasks.
func (s *Service) List() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*types.Task, 0, len(s.tasks))
	for _, st := range s.tasks {
		tasks = append(tasks, snapshot(st.task))
	}
	return tasks
}

func snapshot(t *types.Task) *types.Task {
	c := *t
	c.ThreadIDs = append([]string(nil), t.ThreadIDs...)
	return &c
}

// Aggregate is the pure task status function: any running member keeps the
// task running; otherwise any error member makes it error; otherwise all
// completed makes it completed; anything else leaves current unchanged.
func Aggregate(current types.TaskStatus, statuses []types.SessionStatus) types.TaskStatus {
	if len(statuses) == 0 {
		return current
	}
	anyError := false
	allCompleted := true
	for _, st := range statuses {
		switch st {
		case types.SessionRunning:
			return types.TaskRunning
		case types.SessionError:
			anyError = true
			allCompleted = false
		case types.SessionCompleted:
		default:
			allCompleted = false
		}
	}
	if anyError {
		return types.TaskError
	}
	if allCompleted {
		return types.TaskCompleted
	}
	return current
}

// HandleSessionStatus is the session status hook: when a task member
// transitions, the owning task's status is recomputed exactly once. A member
// session that cannot be found aggregates as idle.
func (s *Service) HandleSessionStatus(sessionID string, _ types.SessionStatus) {
	s.mu.Lock()
	taskID, ok := s.members[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st := s.tasks[taskID]
	memberIDs := append([]string(nil), st.task.ThreadIDs...)
	current := st.task.Status
	autoSummary := st.task.AutoSummary
	spawned := st.summarySpawned
	s.mu.Unlock()

	statuses := make([]types.SessionStatus, 0, len(memberIDs))
	for _, id := range memberIDs {
		sess, err := s.sessions.Get(id)
		if err != nil {
			statuses = append(statuses, types.SessionIdle)
			continue
		}
		statuses = append(statuses, sess.Status)
	}

	next := Aggregate(current, statuses)
	if next == current {
		return
	}

	// Two members settling concurrently both compute the same next status;
	// only the recomputation that actually changes it publishes.
	changed := false
	spawnSummary := false
	s.mu.Lock()
	if st, ok := s.tasks[taskID]; ok && st.task.Status != next {
		changed = true
		st.task.Status = next
		st.task.UpdatedAt = time.Now().UnixMilli()
		if next == types.TaskCompleted && autoSummary && !spawned && !st.summarySpawned {
			st.summarySpawned = true
			spawnSummary = true
		}
	}
	s.mu.Unlock()
	if !changed {
		return
	}

	s.bus.PublishSync(types.TaskStatusEvent{TaskID: taskID, Status: next})

	if spawnSummary {
		s.spawnSummary(taskID)
	}
}

// spawnSummary creates one extra session under the task that summarizes
// every member's exchanges, appends it to the member list and starts it.
// Its own completion recomputes the task but never re-triggers a spawn.
func (s *Service) spawnSummary(taskID string) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	title := st.task.Title
	memberIDs := append([]string(nil), st.task.ThreadIDs...)
	s.mu.Unlock()

	prompt := s.buildSummaryPrompt(title, memberIDs)

	sess, err := s.sessions.CreateIdle(title+" / summary", "", "", "summary", prompt, nil)
	if err != nil {
		logging.Error().Err(err).Str("taskID", taskID).Msg("create summary thread")
		return
	}

	s.mu.Lock()
	if st, ok := s.tasks[taskID]; ok {
		st.task.ThreadIDs = append(st.task.ThreadIDs, sess.ID)
		st.prompts[sess.ID] = prompt
		s.members[sess.ID] = taskID
	}
	s.mu.Unlock()

	if err := s.sessions.Run(sess.ID, prompt); err != nil {
		logging.Error().Err(err).
			Str("taskID", taskID).
			Str("sessionID", sess.ID).
			Msg("start summary thread")
	}
}

// buildSummaryPrompt enumerates each thread's exchanges into one
// summarization prompt.
func (s *Service) buildSummaryPrompt(title string, memberIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the results of the task %q across its threads.\n\n", title)
	for i, id := range memberIDs {
		sess, err := s.sessions.Get(id)
		label := fmt.Sprintf("thread-%d", i+1)
		if err == nil && sess.ThreadID != "" {
			label = sess.ThreadID
		}
		fmt.Fprintf(&b, "## %s\n", label)

		history, err := s.sessions.History(id, 0, 0)
		if err != nil {
			fmt.Fprintf(&b, "(history unavailable)\n\n")
			continue
		}
		for _, m := range history.Messages {
			switch m.Kind {
			case types.MessageUser:
				fmt.Fprintf(&b, "User: %s\n", m.Content)
			case types.MessageAssistant, types.MessageResult:
				if m.Content != "" {
					fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
				}
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// setStatus updates a task's status unconditionally and announces it.
func (s *Service) setStatus(taskID string, status types.TaskStatus) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if ok {
		st.task.Status = status
		st.task.UpdatedAt = time.Now().UnixMilli()
	}
	s.mu.Unlock()
	if ok {
		s.bus.PublishSync(types.TaskStatusEvent{TaskID: taskID, Status: status})
	}
}
