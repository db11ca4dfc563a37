// Package types contains the shared data model for the LocalDesk engine.
package types

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is one agent conversation with its own status and message history.
// A session with a non-empty ThreadID is a member thread of a multi-thread task.
type Session struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Status SessionStatus `json:"status"`

	// CWD is the working context for tool execution. Empty for disposable
	// sessions (e.g. scheduler-spawned ones).
	CWD         string   `json:"cwd,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// ResumeToken is the opaque backend conversation handle, set after the
	// first completed invocation and passed back on session.continue.
	ResumeToken string `json:"resumeToken,omitempty"`

	ThreadID   string `json:"threadId,omitempty"`
	LastPrompt string `json:"lastPrompt,omitempty"`

	IsPinned     bool  `json:"isPinned"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// IsTerminal reports whether the status is a terminal one.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionError
}

// TokenUsage is the token accounting delta carried by a terminal result message.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}
