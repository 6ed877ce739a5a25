package protocol

// TaskStatus is the closed set of states a queued task moves through.
// Normal progression is Dequeued -> Running -> one of the terminal states;
// Cancelled may be requested at any point before another terminal state.
type TaskStatus string

const (
	TaskStatusUnknown   TaskStatus = "UNKNOWN" // record missing or never observed
	TaskStatusDequeued  TaskStatus = "DEQUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusError     TaskStatus = "ERROR"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal records never
// change again; status reads after this point are idempotent.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// rank orders the normal forward progression. Terminal states share a rank:
// none of them may replace another.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusDequeued:
		return 1
	case TaskStatusRunning:
		return 2
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return 3
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic forward ordering of the task state machine.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	// Cancellation is allowed from any non-terminal state, including as a
	// flag on a record the worker has not picked up yet.
	if next == TaskStatusCancelled {
		return true
	}
	return next.rank() > s.rank()
}

// TaskRecord is the persisted status/result record for one asynchronous tool
// invocation. It is owned by the task pipeline: workers write it, callers
// read it or flag cancellation through the manager.
type TaskRecord struct {
	TaskID     string                 `json:"taskId"`
	ToolName   string                 `json:"toolName"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Status     TaskStatus             `json:"status"`
	Progress   float64                `json:"progress"` // 0-100
	Result     interface{}            `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartTime  float64                `json:"startTime,omitempty"` // unix seconds
	EndTime    float64                `json:"endTime,omitempty"`
}

// ProgressParams is the payload of a notifications/progress notification.
type ProgressParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message,omitempty"`
}

// TaskFinishedParams is the payload of a tasks/finished notification. It is
// only published for abnormal terminations (rejected on pickup, worker
// infrastructure failure) so a caller blocked on the push stream alone is
// not left hanging; on the normal path callers poll check_task_status.
type TaskFinishedParams struct {
	TaskID string          `json:"taskId"`
	Status TaskStatus      `json:"status"`
	Result *CallToolResult `json:"result,omitempty"`
}
