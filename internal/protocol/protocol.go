// Package protocol defines the wire contract between the orchestrator and
// its children: the message envelope and one typed payload per message
// kind. Envelopes are framed one JSON value per line; see package ipc for
// the transport that reads/writes them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/laynepenney/codi-sub005/internal/idgen"
)

// Message type tags. Child -> orchestrator.
const (
	MsgHandshake     = "handshake"
	MsgStatusUpdate  = "status_update"
	MsgPermissionReq = "permission_request"
	MsgLog           = "log"
	MsgTaskComplete  = "task_complete"
	MsgTaskError     = "task_error"
)

// Message type tags. Orchestrator -> child.
const (
	MsgPermissionResp = "permission_response"
	MsgCancel         = "cancel"
	MsgTask           = "task"
)

// Status values carried by status_update, and the worker/reader lifecycle
// states they drive (registry.State has this set plus "starting").
const (
	StatusIdle              = "idle"
	StatusThinking          = "thinking"
	StatusExecutingTool     = "executing_tool"
	StatusWaitingPermission = "waiting_permission"
	StatusComplete          = "complete"
	StatusFailed            = "failed"
	StatusCancelled         = "cancelled"
)

// ConfirmationResult is the operator's (or auto-approval policy's) answer to
// a permission_request.
type ConfirmationResult string

const (
	Approve        ConfirmationResult = "approve"
	Deny           ConfirmationResult = "deny"
	ApproveAlways  ConfirmationResult = "approve-always"
	ApproveSession ConfirmationResult = "approve-session"
)

// Envelope is the outer JSON object carried by every frame.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an Envelope of the given type tag and
// returns the encoded JSON, without a trailing newline (the transport adds
// framing).
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
	}
	env := Envelope{
		Type:      msgType,
		ID:        idgen.New(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	return json.Marshal(env)
}

// Decode parses a single line into an Envelope.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: envelope missing type tag")
	}
	return &env, nil
}

// DecodePayload unmarshals env.Payload into a concrete payload type.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("protocol: decode %s payload: %w", env.Type, err)
	}
	return &v, nil
}

// --- Child -> orchestrator payloads ---

type Handshake struct {
	ChildID         string   `json:"childId"`
	ProtocolVersion int      `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type StatusUpdate struct {
	Status      string  `json:"status"`
	CurrentTool *string `json:"currentTool,omitempty"`
	Progress    *int    `json:"progress,omitempty"`
	TokensUsed  *int64  `json:"tokensUsed,omitempty"`
}

type ToolConfirmation struct {
	ToolName    string         `json:"toolName"`
	Input       map[string]any `json:"input"`
	Description string         `json:"description"`
}

type PermissionRequest struct {
	RequestID    string           `json:"requestId"`
	Confirmation ToolConfirmation `json:"confirmation"`
}

// LogLevel enumerates the levels carried by a `log` message.
type LogLevel string

const (
	LogText LogLevel = "text"
	LogTool LogLevel = "tool"
	LogInfo LogLevel = "info"
	LogWarn LogLevel = "warn"
	LogErr  LogLevel = "error"
)

type Log struct {
	Level   LogLevel `json:"level"`
	Content string   `json:"content"`
}

type TaskResult struct {
	Success       bool     `json:"success"`
	Response      string   `json:"response"`
	ToolCallCount int      `json:"toolCallCount"`
	TokensUsed    int64    `json:"tokensUsed"`
	DurationMS    int64    `json:"duration"`
	FilesChanged  []string `json:"filesChanged,omitempty"`
}

type TaskComplete struct {
	Result TaskResult `json:"result"`
}

type TaskErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type TaskError struct {
	Error TaskErrorDetail `json:"error"`
}

// --- Orchestrator -> child payloads ---

type PermissionResponse struct {
	RequestID string             `json:"requestId"`
	Result    ConfirmationResult `json:"result"`
}

type Cancel struct {
	Reason string `json:"reason"`
}

// Task is the payload of a post-handshake task message. Nothing in this
// module sends one: a restarted child gets its task from its launch
// arguments.
type Task struct {
	Task string `json:"task"`
}
