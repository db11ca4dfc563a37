package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Runner is the live handle to one running model invocation. A session has
// at most one Runner at a time; starting a new run aborts the previous one.
type Runner struct {
	sessionID string

	cancel    context.CancelFunc
	abortOnce sync.Once
	aborted   atomic.Bool

	// done is closed when the run loop has fully exited.
	done chan struct{}
}

func newRunner(sessionID string, cancel context.CancelFunc) *Runner {
	return &Runner{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Abort cancels the backend invocation. Idempotent; the resulting
// cancellation is a deliberate transition to idle, not an error.
func (r *Runner) Abort() {
	r.abortOnce.Do(func() {
		r.aborted.Store(true)
		r.cancel()
	})
}

// Aborted reports whether Abort has been called.
func (r *Runner) Aborted() bool {
	return r.aborted.Load()
}

// Done is closed once the run loop has exited and the terminal status
// transition has been published.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}
