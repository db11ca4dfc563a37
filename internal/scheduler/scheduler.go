package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/internal/store"
	"github.com/localdesk/localdesk/pkg/types"
)

// DefaultInterval is the tick period of the scheduler loop.
const DefaultInterval = 30 * time.Second

// SessionStarter is the slice of the session orchestrator the scheduler
// fires due tasks through.
type SessionStarter interface {
	Start(req types.SessionStartRequest) (*types.Session, error)
}

// Service owns the scheduled-task CRUD and the tick loop. An instance is
// created at bootstrap and run with its own context.
type Service struct {
	store    *store.Store
	bus      *event.Bus
	starter  SessionStarter
	interval time.Duration

	// now is swapped in tests.
	now func() time.Time

	mu sync.Mutex
	// notified maps task id to the nextRun a heads-up was already raised
	// for, making notifyBefore one-shot per upcoming run.
	notified map[string]int64
}

// NewService creates a scheduler. A non-positive interval falls back to
// DefaultInterval.
func NewService(st *store.Store, bus *event.Bus, starter SessionStarter, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		store:    st,
		bus:      bus,
		starter:  starter,
		interval: interval,
		now:      time.Now,
		notified: make(map[string]int64),
	}
}

// Create validates the schedule, derives nextRun and persists the task.
// An unparseable schedule rejects the request; nothing is stored.
func (s *Service) Create(req types.ScheduleCreateRequest) (*types.ScheduledTask, error) {
	next, err := CalculateNextRun(req.Schedule, s.now())
	if err != nil {
		return nil, err
	}

	t := &types.ScheduledTask{
		ID:           ulid.Make().String(),
		Title:        req.Title,
		Prompt:       req.Prompt,
		Schedule:     req.Schedule,
		NextRun:      next.UnixMilli(),
		IsRecurring:  IsRecurring(req.Schedule),
		NotifyBefore: req.NotifyBefore,
		Enabled:      true,
	}
	if err := s.store.CreateScheduledTask(t); err != nil {
		return nil, err
	}
	s.publishList()
	return t, nil
}

// Update patches a scheduled task. A schedule change is validated and
// recomputes nextRun and the recurring flag.
func (s *Service) Update(req types.ScheduleUpdateRequest) error {
	patch := store.ScheduledTaskPatch{
		Title:        req.Title,
		Prompt:       req.Prompt,
		NotifyBefore: req.NotifyBefore,
		Enabled:      req.Enabled,
	}

	if req.Schedule != nil {
		next, err := CalculateNextRun(*req.Schedule, s.now())
		if err != nil {
			return err
		}
		nextMillis := next.UnixMilli()
		recurring := IsRecurring(*req.Schedule)
		patch.Schedule = req.Schedule
		patch.NextRun = &nextMillis
		patch.IsRecurring = &recurring

		s.mu.Lock()
		delete(s.notified, req.ID)
		s.mu.Unlock()
	}

	if err := s.store.UpdateScheduledTask(req.ID, patch); err != nil {
		return err
	}
	s.publishList()
	return nil
}

// Delete removes a scheduled task.
func (s *Service) Delete(id string) error {
	if err := s.store.DeleteScheduledTask(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.notified, id)
	s.mu.Unlock()
	s.publishList()
	return nil
}

// List returns all scheduled tasks.
func (s *Service) List() ([]*types.ScheduledTask, error) {
	return s.store.ListScheduledTasks()
}

// Run ticks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick raises due notifications and fires every enabled task whose nextRun
// has passed. A failure on one task never affects its siblings.
func (s *Service) Tick(now time.Time) {
	s.raiseNotifications(now)

	due, err := s.store.DueScheduledTasks(now.UnixMilli())
	if err != nil {
		logging.Error().Err(err).Msg("query due scheduled tasks")
		return
	}

	for _, t := range due {
		s.fire(t, now)
	}
}

// fire executes one due task and advances or retires its schedule.
func (s *Service) fire(t *types.ScheduledTask, now time.Time) {
	logging.Info().
		Str("taskID", t.ID).
		Str("schedule", t.Schedule).
		Msg("scheduled task due")

	if t.Prompt != "" {
		// Disposable session: no workspace attached.
		_, err := s.starter.Start(types.SessionStartRequest{
			Title:  t.Title,
			Prompt: t.Prompt,
		})
		if err != nil {
			logging.Error().Err(err).Str("taskID", t.ID).Msg("start scheduled session")
		}
	}

	s.mu.Lock()
	delete(s.notified, t.ID)
	s.mu.Unlock()

	if t.IsRecurring {
		// Reschedule from the fire time, not the original nextRun, so a
		// missed tick does not cause a burst of catch-up runs.
		next, err := CalculateNextRun(t.Schedule, now)
		if err != nil {
			logging.Error().Err(err).Str("taskID", t.ID).Msg("reschedule recurring task")
			return
		}
		nextMillis := next.UnixMilli()
		if err := s.store.UpdateScheduledTask(t.ID, store.ScheduledTaskPatch{NextRun: &nextMillis}); err != nil {
			logging.Error().Err(err).Str("taskID", t.ID).Msg("persist next run")
		}
	} else {
		// One-time tasks are disabled after firing; removal stays a user
		// action.
		disabled := false
		if err := s.store.UpdateScheduledTask(t.ID, store.ScheduledTaskPatch{Enabled: &disabled}); err != nil {
			logging.Error().Err(err).Str("taskID", t.ID).Msg("disable one-time task")
		}
	}
	s.publishList()
}

// raiseNotifications publishes a one-shot scheduler.notify for every task
// inside its notifyBefore window.
func (s *Service) raiseNotifications(now time.Time) {
	tasks, err := s.store.ListScheduledTasks()
	if err != nil {
		logging.Error().Err(err).Msg("list scheduled tasks for notifications")
		return
	}

	nowMillis := now.UnixMilli()
	for _, t := range tasks {
		if !t.Enabled || t.NotifyBefore == nil || *t.NotifyBefore <= 0 {
			continue
		}
		windowStart := t.NextRun - int64(*t.NotifyBefore)*60_000
		if nowMillis < windowStart || nowMillis >= t.NextRun {
			continue
		}

		s.mu.Lock()
		already := s.notified[t.ID] == t.NextRun
		if !already {
			s.notified[t.ID] = t.NextRun
		}
		s.mu.Unlock()
		if already {
			continue
		}

		s.bus.PublishSync(types.SchedulerNotifyEvent{
			TaskID:  t.ID,
			Title:   t.Title,
			NextRun: t.NextRun,
		})
	}
}

// publishList broadcasts the refreshed scheduled task list.
func (s *Service) publishList() {
	tasks, err := s.store.ListScheduledTasks()
	if err != nil {
		logging.Error().Err(err).Msg("list scheduled tasks for broadcast")
		return
	}
	s.bus.Publish(types.ScheduledTaskListEvent{Tasks: tasks})
}
