package types

// TaskMode selects how a multi-thread task fans out its member sessions.
type TaskMode string

const (
	// TaskConsensus runs N copies of one prompt on one model.
	TaskConsensus TaskMode = "consensus"
	// TaskDifferentTasks gives each member its own prompt and model.
	TaskDifferentTasks TaskMode = "different_tasks"
	// TaskRoleGroup is like different_tasks with named roles as thread labels.
	TaskRoleGroup TaskMode = "role_group"
)

// TaskStatus is the aggregated lifecycle status of a task.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Task groups thread sessions fanned out together. Status is always the
// aggregation of member statuses, recomputed on every member status change.
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Mode   TaskMode   `json:"mode"`
	Status TaskStatus `json:"status"`

	// ThreadIDs is the ordered member session list. For different_tasks and
	// role_group it is index-aligned with the per-thread prompt/model lists.
	ThreadIDs []string `json:"threadIds"`

	AutoSummary bool `json:"autoSummary"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// ThreadSpec is the per-member parameter set for the heterogeneous fan-out modes.
type ThreadSpec struct {
	// Role labels the thread; empty falls back to thread-{n}.
	Role   string `json:"role,omitempty"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// FanoutParams carries the mode-specific creation parameters.
type FanoutParams struct {
	// Consensus mode.
	Quantity int    `json:"quantity,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Model    string `json:"model,omitempty"`

	// different_tasks / role_group modes.
	Threads []ThreadSpec `json:"threads,omitempty"`
}
