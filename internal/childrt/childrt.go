// Package childrt is the runtime run by a spawned child process: dial the
// orchestrator's socket, handshake, then drive a task to completion while
// emitting the message sequence children are contracted to emit
// (status_update, optional permission_request, log, task_complete or
// task_error). The real agent loop lives elsewhere in Codi; Run executes
// a deterministic, test-friendly task loop in its place.
package childrt

import (
	"fmt"
	"time"

	"github.com/laynepenney/codi-sub005/internal/ipc"
	"github.com/laynepenney/codi-sub005/internal/protocol"
)

// Task describes what this child instance should do once connected.
type Task struct {
	ChildID      string
	IsReader     bool
	Task         string
	Model        string
	Provider     string
	Capabilities []string

	// RequestPermission, when non-empty, names a tool this run will ask
	// permission to use partway through the task.
	RequestPermission string
	// FailWith, when non-empty, makes the run end in task_error instead of
	// task_complete, with this message.
	FailWith string
}

// Run dials socketPath, performs the handshake, executes t, and reports
// the outcome. It returns once the run reaches a terminal message or the
// connection is lost.
func Run(socketPath string, t Task) error {
	cl, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("childrt: dial: %w", err)
	}
	defer cl.Close()

	if err := cl.Handshake(t.ChildID, 1, t.Capabilities); err != nil {
		return fmt.Errorf("childrt: handshake: %w", err)
	}

	if err := cl.Send(protocol.MsgStatusUpdate, protocol.StatusUpdate{Status: protocol.StatusThinking}); err != nil {
		return err
	}

	if t.RequestPermission != "" {
		requestID := t.ChildID + "-perm-1"
		if err := cl.Send(protocol.MsgPermissionReq, protocol.PermissionRequest{
			RequestID: requestID,
			Confirmation: protocol.ToolConfirmation{
				ToolName:    t.RequestPermission,
				Input:       map[string]any{},
				Description: "requesting " + t.RequestPermission,
			},
		}); err != nil {
			return err
		}
		result, err := awaitResponse(cl, requestID)
		if err != nil {
			return err
		}
		// The tool only actually runs on approval; a denial skips execution
		// and the task carries on without it.
		if approved(result) {
			if err := cl.Send(protocol.MsgStatusUpdate, protocol.StatusUpdate{Status: protocol.StatusExecutingTool}); err != nil {
				return err
			}
			if err := cl.Send(protocol.MsgStatusUpdate, protocol.StatusUpdate{Status: protocol.StatusThinking}); err != nil {
				return err
			}
		}
	}

	if err := cl.Send(protocol.MsgLog, protocol.Log{Level: protocol.LogInfo, Content: "working on: " + t.Task}); err != nil {
		return err
	}

	if t.FailWith != "" {
		return cl.Send(protocol.MsgTaskError, protocol.TaskError{Error: protocol.TaskErrorDetail{Message: t.FailWith}})
	}

	return cl.Send(protocol.MsgTaskComplete, protocol.TaskComplete{Result: protocol.TaskResult{
		Success:  true,
		Response: "done: " + t.Task,
	}})
}

// awaitResponse blocks until the orchestrator answers requestID and
// returns the decision. A denial is a normal outcome for this
// deterministic runtime, not a failure; the caller decides whether the
// tool runs.
func awaitResponse(cl *ipc.Client, requestID string) (protocol.ConfirmationResult, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		env, more, err := cl.Recv()
		if err != nil {
			return "", fmt.Errorf("childrt: recv: %w", err)
		}
		if !more {
			return "", fmt.Errorf("childrt: connection closed waiting for permission_response")
		}
		if env.Type != protocol.MsgPermissionResp {
			continue
		}
		resp, err := protocol.DecodePayload[protocol.PermissionResponse](env)
		if err != nil || resp.RequestID != requestID {
			continue
		}
		return resp.Result, nil
	}
	return "", fmt.Errorf("childrt: timed out waiting for permission_response")
}

func approved(r protocol.ConfirmationResult) bool {
	switch r {
	case protocol.Approve, protocol.ApproveAlways, protocol.ApproveSession:
		return true
	default:
		return false
	}
}
