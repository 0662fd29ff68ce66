// Package registry is the worker/reader state store: the dispatch core's
// single-writer region for worker and reader lifecycle state and progress
// counters.
package registry

// State is a worker/reader lifecycle state.
type State string

const (
	Starting          State = "starting"
	Idle              State = "idle"
	Thinking          State = "thinking"
	ExecutingTool     State = "executing_tool"
	WaitingPermission State = "waiting_permission"
	Complete          State = "complete"
	Failed            State = "failed"
	Cancelled         State = "cancelled"
)

// IsTerminal reports whether s is an absorbing terminal state. Once a
// worker reaches one of these, no further transition is possible.
func IsTerminal(s State) bool {
	switch s {
	case Complete, Failed, Cancelled:
		return true
	default:
		return false
	}
}
