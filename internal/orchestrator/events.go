package orchestrator

import "github.com/laynepenney/codi-sub005/internal/protocol"

// Event is the closed set of lifecycle events the orchestrator emits.
// Each concrete type below is one variant; Events returns a channel
// carrying this interface, and callers type-switch on delivery. The same
// kinds apply to both workers and readers (Worker.IsReader distinguishes
// them), rather than duplicating a parallel reader-only set.
type Event interface{ isEvent() }

// WorkerStarted fires immediately after spawnWorker/spawnReader accepts a
// new worker, before the child process is even launched.
type WorkerStarted struct {
	ChildID  string
	IsReader bool
}

func (WorkerStarted) isEvent() {}

// WorkerStatus fires on every applied state transition (inbound handshake,
// status_update, or a supervisor-initiated transition such as a restart or
// cancellation).
type WorkerStatus struct {
	ChildID     string
	IsReader    bool
	State       string
	CurrentTool *string
	Progress    *int
}

func (WorkerStatus) isEvent() {}

// WorkerCompleted fires when a worker/reader reaches the complete state.
type WorkerCompleted struct {
	ChildID  string
	IsReader bool
	Result   protocol.TaskResult
}

func (WorkerCompleted) isEvent() {}

// WorkerFailed fires when a worker/reader reaches the failed state,
// whether reported by the child (task_error) or synthesized by the
// supervisor (SpawnFailed, UnexpectedDisconnect without restart).
type WorkerFailed struct {
	ChildID  string
	IsReader bool
	Message  string
}

func (WorkerFailed) isEvent() {}

// PermissionRequest fires so a UI can render an operator prompt.
type PermissionRequest struct {
	ChildID      string
	IsReader     bool
	RequestID    string
	Confirmation protocol.ToolConfirmation
}

func (PermissionRequest) isEvent() {}

// AllCompleted fires once every currently-tracked worker/reader has
// reached a terminal state and at least one was ever spawned.
type AllCompleted struct{}

func (AllCompleted) isEvent() {}

// Log carries a captured log line: either a structured `log` IPC message
// or a raw captured stdout/stderr line. This is the one event kind that
// may be dropped under load; everything else is guaranteed delivery.
type Log struct {
	ChildID string
	Level   protocol.LogLevel
	Content string
}

func (Log) isEvent() {}
