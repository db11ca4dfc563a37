package types

// ScheduledTask is a deferred or recurring agent invocation.
//
// Schedule grammar: "{n}m|h|d" (one-time offset), "every {n}m|h|d" (recurring
// offset), "daily HH:MM" (recurring wall clock) and "YYYY-MM-DD HH:MM"
// (one-time absolute, local time). NextRun is kept consistent with Schedule
// on every write.
type ScheduledTask struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Prompt   string `json:"prompt,omitempty"`
	Schedule string `json:"schedule"`

	// NextRun is a unix millisecond timestamp.
	NextRun     int64 `json:"nextRun"`
	IsRecurring bool  `json:"isRecurring"`

	// NotifyBefore raises a one-shot notification this many minutes
	// ahead of NextRun.
	NotifyBefore *int `json:"notifyBefore,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}
