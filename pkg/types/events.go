package types

import "encoding/json"

// ServerEvent is the closed set of server→client events. Every variant is
// defined in this file; the router and the SSE writer switch over it
// exhaustively, so adding a variant means touching those switches.
type ServerEvent interface {
	// EventType is the wire tag, e.g. "session.status".
	EventType() string
	isServerEvent()
}

// SessionStatusEvent announces a session status transition. Delivered to
// every window so session lists stay current.
type SessionStatusEvent struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	// Error carries the human-readable failure text for the error status.
	Error string `json:"error,omitempty"`
}

// SessionListEvent carries the full session list.
type SessionListEvent struct {
	Sessions []*Session `json:"sessions"`
}

// SessionHistoryEvent carries one page of a session's message history,
// newest first when paginated.
type SessionHistoryEvent struct {
	SessionID  string     `json:"sessionId"`
	Messages   []*Message `json:"messages"`
	HasMore    bool       `json:"hasMore"`
	NextCursor int64      `json:"nextCursor,omitempty"`
}

// StreamMessageEvent is one streamed model message for a session.
type StreamMessageEvent struct {
	SessionID string   `json:"sessionId"`
	Message   *Message `json:"message"`
}

// StreamUserPromptEvent echoes a persisted user prompt back to subscribers.
type StreamUserPromptEvent struct {
	SessionID string   `json:"sessionId"`
	Message   *Message `json:"message"`
}

// PermissionRequestEvent asks the user to approve a tool call.
type PermissionRequestEvent struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// TaskCreatedEvent announces a new multi-thread task.
type TaskCreatedEvent struct {
	Task *Task `json:"task"`
}

// TaskStatusEvent announces an aggregated task status change.
type TaskStatusEvent struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
}

// TaskDeletedEvent announces task removal.
type TaskDeletedEvent struct {
	TaskID string `json:"taskId"`
}

// RunnerErrorEvent surfaces a backend invocation failure. SessionID is empty
// for failures with no session affiliation.
type RunnerErrorEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// SchedulerNotifyEvent is the one-shot heads-up raised notifyBefore minutes
// ahead of a scheduled run.
type SchedulerNotifyEvent struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	NextRun int64  `json:"nextRun"`
}

// ScheduledTaskListEvent carries the scheduled task list.
type ScheduledTaskListEvent struct {
	Tasks []*ScheduledTask `json:"tasks"`
}

// RecentCWDsEvent carries recently used working directories.
type RecentCWDsEvent struct {
	CWDs []string `json:"cwds"`
}

func (SessionStatusEvent) EventType() string     { return "session.status" }
func (SessionListEvent) EventType() string       { return "session.list" }
func (SessionHistoryEvent) EventType() string    { return "session.history" }
func (StreamMessageEvent) EventType() string     { return "stream.message" }
func (StreamUserPromptEvent) EventType() string  { return "stream.user_prompt" }
func (PermissionRequestEvent) EventType() string { return "permission.request" }
func (TaskCreatedEvent) EventType() string       { return "task.created" }
func (TaskStatusEvent) EventType() string        { return "task.status" }
func (TaskDeletedEvent) EventType() string       { return "task.deleted" }
func (RunnerErrorEvent) EventType() string       { return "runner.error" }
func (SchedulerNotifyEvent) EventType() string   { return "scheduler.notify" }
func (ScheduledTaskListEvent) EventType() string { return "scheduler.list" }
func (RecentCWDsEvent) EventType() string        { return "session.recent_cwds" }

func (SessionStatusEvent) isServerEvent()     {}
func (SessionListEvent) isServerEvent()       {}
func (SessionHistoryEvent) isServerEvent()    {}
func (StreamMessageEvent) isServerEvent()     {}
func (StreamUserPromptEvent) isServerEvent()  {}
func (PermissionRequestEvent) isServerEvent() {}
func (TaskCreatedEvent) isServerEvent()       {}
func (TaskStatusEvent) isServerEvent()        {}
func (TaskDeletedEvent) isServerEvent()       {}
func (RunnerErrorEvent) isServerEvent()       {}
func (SchedulerNotifyEvent) isServerEvent()   {}
func (ScheduledTaskListEvent) isServerEvent() {}
func (RecentCWDsEvent) isServerEvent()        {}
