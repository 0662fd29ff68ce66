// Package errs defines the orchestrator's error-kind taxonomy. Kinds are
// sentinel strings rather than distinct types so call sites can compare
// with errors.Is against a Kind wrapped in an *Error.
package errs

import "fmt"

// Kind identifies the category of an orchestrator error.
type Kind string

const (
	// CapacityExceeded: spawn refused because the worker cap is reached.
	CapacityExceeded Kind = "capacity_exceeded"
	// WorkspaceUnavailable: workspace creation failed.
	WorkspaceUnavailable Kind = "workspace_unavailable"
	// SpawnFailed: child process could not be launched.
	SpawnFailed Kind = "spawn_failed"
	// ProtocolViolation: malformed frame, missing/duplicate handshake.
	ProtocolViolation Kind = "protocol_violation"
	// UnexpectedDisconnect: child connection lost while worker non-terminal.
	UnexpectedDisconnect Kind = "unexpected_disconnect"
	// OperatorDenied: the operator (or auto-deny policy) refused a tool call.
	OperatorDenied Kind = "operator_denied"
	// SocketBindFailed: fatal at startup, the IPC socket could not be bound.
	SocketBindFailed Kind = "socket_bind_failed"
)

// Error wraps a Kind with the id of the worker/reader it applies to (if
// any) and the underlying cause.
type Error struct {
	Kind   Kind
	Worker string // childId; empty for errors not tied to one worker
	Err    error
}

func (e *Error) Error() string {
	if e.Worker == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Worker, e.Err)
	}
	return fmt.Sprintf("%s[%s]", e.Kind, e.Worker)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(Kind, "", nil)) style comparisons to
// match on Kind alone, ignoring Worker/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for the given kind.
func New(kind Kind, worker string, cause error) *Error {
	return &Error{Kind: kind, Worker: worker, Err: cause}
}

// Sentinel builds a bare *Error suitable only for errors.Is comparisons,
// e.g. errors.Is(err, errs.Sentinel(CapacityExceeded)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
