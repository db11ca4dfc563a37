package task

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/pkg/types"
)

// fakeSessions is an in-memory SessionOps double. Run transitions the member
// to running without doing any model work.
type fakeSessions struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*types.Session
	history  map[string][]*types.Message
	runs     []string
	stopped  []string
	deleted  []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]*types.Session),
		history:  make(map[string][]*types.Message),
	}
}

func (f *fakeSessions) CreateIdle(title, cwd, model, threadID, prompt string, temperature *float64) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sess := &types.Session{
		ID:         fmt.Sprintf("sess-%d", f.nextID),
		Title:      title,
		Status:     types.SessionIdle,
		CWD:        cwd,
		Model:      model,
		ThreadID:   threadID,
		LastPrompt: prompt,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) Run(sessionID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	sess.Status = types.SessionRunning
	f.runs = append(f.runs, sessionID)
	return nil
}

func (f *fakeSessions) Stop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok && sess.Status == types.SessionRunning {
		sess.Status = types.SessionIdle
	}
	f.stopped = append(f.stopped, sessionID)
}

func (f *fakeSessions) Delete(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	delete(f.sessions, sessionID)
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeSessions) Get(sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	c := *sess
	return &c, nil
}

func (f *fakeSessions) History(sessionID string, limit int, cursor int64) (*types.SessionHistoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.SessionHistoryEvent{SessionID: sessionID, Messages: f.history[sessionID]}, nil
}

func (f *fakeSessions) setStatus(sessionID string, status types.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = status
	}
}

func newTestService(t *testing.T) (*Service, *fakeSessions, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	sessions := newFakeSessions()
	return NewService(bus, sessions), sessions, bus
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name     string
		current  types.TaskStatus
		statuses []types.SessionStatus
		want     types.TaskStatus
	}{
		{"empty keeps current", types.TaskCreated, nil, types.TaskCreated},
		{"any running wins", types.TaskCreated,
			[]types.SessionStatus{types.SessionError, types.SessionRunning, types.SessionCompleted},
			types.TaskRunning},
		{"error beats completed", types.TaskRunning,
			[]types.SessionStatus{types.SessionCompleted, types.SessionError},
			types.TaskError},
		{"all completed", types.TaskRunning,
			[]types.SessionStatus{types.SessionCompleted, types.SessionCompleted},
			types.TaskCompleted},
		{"idle member keeps current", types.TaskRunning,
			[]types.SessionStatus{types.SessionCompleted, types.SessionIdle},
			types.TaskRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.current, tc.statuses))
		})
	}
}

// Aggregation is a pure function of the member statuses: random inputs must
// always match the documented rule.
func TestAggregate_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	all := []types.SessionStatus{
		types.SessionIdle, types.SessionRunning, types.SessionCompleted, types.SessionError,
	}
	currents := []types.TaskStatus{
		types.TaskCreated, types.TaskRunning, types.TaskCompleted, types.TaskError,
	}

	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(6)
		statuses := make([]types.SessionStatus, n)
		anyRunning, anyError, allCompleted := false, false, true
		for j := range statuses {
			statuses[j] = all[rng.Intn(len(all))]
			switch statuses[j] {
			case types.SessionRunning:
				anyRunning = true
				allCompleted = false
			case types.SessionError:
				anyError = true
				allCompleted = false
			case types.SessionIdle:
				allCompleted = false
			}
		}
		current := currents[rng.Intn(len(currents))]

		want := current
		switch {
		case anyRunning:
			want = types.TaskRunning
		case anyError:
			want = types.TaskError
		case allCompleted:
			want = types.TaskCompleted
		}

		got := Aggregate(current, statuses)
		require.Equal(t, want, got, "statuses=%v current=%v", statuses, current)
	}
}

func TestCreate_ConsensusFanout(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:  types.TaskConsensus,
		Title: "vote",
		CWD:   "/p",
		Params: types.FanoutParams{
			Quantity: 3,
			Prompt:   "solve it",
			Model:    "m-large",
		},
	})
	require.NoError(t, err)

	require.Len(t, task.ThreadIDs, 3)
	assert.Equal(t, types.TaskRunning, task.Status, "task runs immediately after creation")

	for i, id := range task.ThreadIDs {
		sess, err := sessions.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "m-large", sess.Model)
		assert.Equal(t, "solve it", sess.LastPrompt)
		assert.Equal(t, fmt.Sprintf("thread-%d", i+1), sess.ThreadID)
		assert.Equal(t, types.SessionRunning, sess.Status)
	}
}

func TestCreate_RoleGroupLabelsAndEmptyPrompts(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:  types.TaskRoleGroup,
		Title: "team",
		Params: types.FanoutParams{
			Threads: []types.ThreadSpec{
				{Role: "architect", Prompt: "design it", Model: "m1"},
				{Role: "reviewer", Prompt: "", Model: "m2"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, task.ThreadIDs, 2)

	first, _ := sessions.Get(task.ThreadIDs[0])
	assert.Equal(t, "architect", first.ThreadID)
	assert.Equal(t, types.SessionRunning, first.Status)

	// Empty-prompt members stay idle.
	second, _ := sessions.Get(task.ThreadIDs[1])
	assert.Equal(t, "reviewer", second.ThreadID)
	assert.Equal(t, types.SessionIdle, second.Status)
}

func TestCreate_InvalidParams(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Params: types.FanoutParams{Quantity: 0, Prompt: "p"},
	})
	assert.Error(t, err)

	_, err = svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskDifferentTasks,
		Params: types.FanoutParams{},
	})
	assert.Error(t, err)

	_, err = svc.Create(types.TaskCreateRequest{Mode: "bogus"})
	assert.Error(t, err)
}

func TestStart_SkipsRunningMembers(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 2, Prompt: "go"},
	})
	require.NoError(t, err)
	runsAfterCreate := len(sessions.runs)

	// Every member is already running: Start must not re-run anyone.
	require.NoError(t, svc.Start(task.ID))
	assert.Equal(t, runsAfterCreate, len(sessions.runs))

	// A member back in idle is picked up again.
	sessions.setStatus(task.ThreadIDs[0], types.SessionIdle)
	require.NoError(t, svc.Start(task.ID))
	assert.Equal(t, runsAfterCreate+1, len(sessions.runs))
}

func TestStop_AbortsMembersWithoutDeleting(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 2, Prompt: "go"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Stop(task.ID))
	assert.ElementsMatch(t, task.ThreadIDs, sessions.stopped)

	// Members and the task survive a stop.
	for _, id := range task.ThreadIDs {
		sess, err := sessions.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.SessionIdle, sess.Status)
	}
	_, ok := svc.Get(task.ID)
	assert.True(t, ok)

	assert.Error(t, svc.Stop("missing"))
}

func TestDelete_RemovesMembersAndTask(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 3, Prompt: "go"},
	})
	require.NoError(t, err)
	memberIDs := append([]string(nil), task.ThreadIDs...)

	require.NoError(t, svc.Delete(task.ID))

	_, ok := svc.Get(task.ID)
	assert.False(t, ok)
	for _, id := range memberIDs {
		_, err := sessions.Get(id)
		assert.Error(t, err, "member %s must be gone", id)
	}

	assert.Error(t, svc.Delete(task.ID), "double delete reports unknown task")
}

func TestHandleSessionStatus_RecomputesTask(t *testing.T) {
	svc, sessions, bus := newTestService(t)

	var mu sync.Mutex
	var statusEvents []types.TaskStatusEvent
	bus.Subscribe(types.TaskStatusEvent{}.EventType(), func(ev types.ServerEvent) {
		mu.Lock()
		defer mu.Unlock()
		statusEvents = append(statusEvents, ev.(types.TaskStatusEvent))
	})

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 2, Prompt: "go"},
	})
	require.NoError(t, err)

	// First member finishes: one still running, task stays running.
	sessions.setStatus(task.ThreadIDs[0], types.SessionCompleted)
	svc.HandleSessionStatus(task.ThreadIDs[0], types.SessionCompleted)
	got, _ := svc.Get(task.ID)
	assert.Equal(t, types.TaskRunning, got.Status)

	// Second member fails: no one running, error wins.
	sessions.setStatus(task.ThreadIDs[1], types.SessionError)
	svc.HandleSessionStatus(task.ThreadIDs[1], types.SessionError)
	got, _ = svc.Get(task.ID)
	assert.Equal(t, types.TaskError, got.Status)

	mu.Lock()
	last := statusEvents[len(statusEvents)-1]
	mu.Unlock()
	assert.Equal(t, types.TaskError, last.Status)
}

func TestHandleSessionStatus_ConcurrentCompletionsPublishOnce(t *testing.T) {
	svc, sessions, bus := newTestService(t)

	events := make(chan types.TaskStatusEvent, 16)
	bus.Subscribe(types.TaskStatusEvent{}.EventType(), func(ev types.ServerEvent) {
		events <- ev.(types.TaskStatusEvent)
	})

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 2, Prompt: "go"},
	})
	require.NoError(t, err)
	for len(events) > 0 {
		<-events // drop the creation-time running event
	}

	// Both members are already completed when their hooks fire concurrently;
	// the two recomputations race but only one may publish completed.
	for _, id := range task.ThreadIDs {
		sessions.setStatus(id, types.SessionCompleted)
	}
	var wg sync.WaitGroup
	for _, id := range task.ThreadIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			svc.HandleSessionStatus(id, types.SessionCompleted)
		}(id)
	}
	wg.Wait()

	completed := 0
	for len(events) > 0 {
		if (<-events).Status == types.TaskCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "duplicate task.status for one transition")

	got, _ := svc.Get(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
}

func TestHandleSessionStatus_MissingMemberAggregatesAsIdle(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "vote",
		Params: types.FanoutParams{Quantity: 2, Prompt: "go"},
	})
	require.NoError(t, err)

	// One member deleted outside task.delete; the other completes. The
	// missing member counts as idle, so the task cannot reach completed.
	require.NoError(t, sessions.Delete(task.ThreadIDs[0]))
	sessions.setStatus(task.ThreadIDs[1], types.SessionCompleted)
	svc.HandleSessionStatus(task.ThreadIDs[1], types.SessionCompleted)

	got, _ := svc.Get(task.ID)
	assert.Equal(t, types.TaskRunning, got.Status)
}

func TestHandleSessionStatus_UnknownSessionIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.HandleSessionStatus("nobody", types.SessionCompleted)
}

func TestAutoSummary_SpawnedOncePerTask(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:        types.TaskConsensus,
		Title:       "research",
		Params:      types.FanoutParams{Quantity: 2, Prompt: "dig"},
		AutoSummary: true,
	})
	require.NoError(t, err)
	require.Len(t, task.ThreadIDs, 2)

	// Both members complete: the transition into completed spawns exactly
	// one summary thread, appended to the member list and started.
	for _, id := range task.ThreadIDs {
		sessions.setStatus(id, types.SessionCompleted)
	}
	svc.HandleSessionStatus(task.ThreadIDs[1], types.SessionCompleted)

	got, ok := svc.Get(task.ID)
	require.True(t, ok)
	require.Len(t, got.ThreadIDs, 3, "summary thread appended")

	summaryID := got.ThreadIDs[2]
	summary, err := sessions.Get(summaryID)
	require.NoError(t, err)
	assert.Equal(t, "summary", summary.ThreadID)
	assert.Equal(t, types.SessionRunning, summary.Status)
	assert.Contains(t, summary.LastPrompt, "research")

	// The summary thread's own completion recomputes the task but must not
	// spawn another summary.
	sessions.setStatus(summaryID, types.SessionCompleted)
	svc.HandleSessionStatus(summaryID, types.SessionCompleted)

	got, _ = svc.Get(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Len(t, got.ThreadIDs, 3, "no second summary thread")
}

func TestAutoSummary_DisabledByDefault(t *testing.T) {
	svc, sessions, _ := newTestService(t)

	task, err := svc.Create(types.TaskCreateRequest{
		Mode:   types.TaskConsensus,
		Title:  "plain",
		Params: types.FanoutParams{Quantity: 1, Prompt: "go"},
	})
	require.NoError(t, err)

	sessions.setStatus(task.ThreadIDs[0], types.SessionCompleted)
	svc.HandleSessionStatus(task.ThreadIDs[0], types.SessionCompleted)

	got, _ := svc.Get(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Len(t, got.ThreadIDs, 1)
}
