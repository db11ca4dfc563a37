package types

import "encoding/json"

// ClientEvent is the envelope for every client→server event. Payload is
// decoded into the per-type request struct by the dispatcher.
type ClientEvent struct {
	Type     string          `json:"type"`
	WindowID string          `json:"windowId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SessionStartRequest starts a fresh session with an initial prompt.
type SessionStartRequest struct {
	Title       string   `json:"title,omitempty"`
	Prompt      string   `json:"prompt"`
	CWD         string   `json:"cwd,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// SessionContinueRequest resumes an existing session with a new prompt.
type SessionContinueRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SessionRefRequest addresses a session with no further parameters.
type SessionRefRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionPinRequest toggles the pin flag.
type SessionPinRequest struct {
	SessionID string `json:"sessionId"`
	Pinned    bool   `json:"pinned"`
}

// SessionUpdateRequest patches session metadata. Status is never client
// writable; it is owned by the state machine.
type SessionUpdateRequest struct {
	SessionID   string   `json:"sessionId"`
	Title       *string  `json:"title,omitempty"`
	Model       *string  `json:"model,omitempty"`
	CWD         *string  `json:"cwd,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// SessionHistoryRequest fetches message history. A zero Limit returns the
// full history; otherwise a newest-first page before Cursor.
type SessionHistoryRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
	Cursor    int64  `json:"cursor,omitempty"`
}

// PermissionResponseRequest resolves a pending tool-call approval.
type PermissionResponseRequest struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
}

// MessageEditRequest replaces the message at Index with Prompt, discarding
// everything after it, then re-runs the session.
type MessageEditRequest struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Prompt    string `json:"prompt"`
}

// TaskCreateRequest fans out a multi-thread task.
type TaskCreateRequest struct {
	Mode   TaskMode     `json:"mode"`
	Title  string       `json:"title"`
	CWD    string       `json:"cwd,omitempty"`
	Params FanoutParams `json:"params"`
	// AutoSummary spawns a summary thread once every member completes.
	AutoSummary bool `json:"autoSummary,omitempty"`
}

// TaskRefRequest addresses a task by id.
type TaskRefRequest struct {
	TaskID string `json:"taskId"`
}

// ScheduleCreateRequest creates a scheduled task. Schedule is validated and
// NextRun derived before anything is persisted.
type ScheduleCreateRequest struct {
	Title        string `json:"title"`
	Prompt       string `json:"prompt,omitempty"`
	Schedule     string `json:"schedule"`
	NotifyBefore *int   `json:"notifyBefore,omitempty"`
}

// ScheduleUpdateRequest patches a scheduled task. A schedule change
// recomputes NextRun.
type ScheduleUpdateRequest struct {
	ID           string  `json:"id"`
	Title        *string `json:"title,omitempty"`
	Prompt       *string `json:"prompt,omitempty"`
	Schedule     *string `json:"schedule,omitempty"`
	NotifyBefore *int    `json:"notifyBefore,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

// ScheduleRefRequest addresses a scheduled task by id.
type ScheduleRefRequest struct {
	ID string `json:"id"`
}

// WindowSubscribeRequest points a window at one session's event stream.
// An empty SessionID unsubscribes.
type WindowSubscribeRequest struct {
	SessionID string `json:"sessionId"`
}
