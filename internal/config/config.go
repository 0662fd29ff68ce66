// Package config defines the orchestrator's configuration surface.
package config

import (
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ConfirmationResult mirrors protocol.ConfirmationResult without importing
// the protocol package here, keeping config dependency-light for callers
// that only need to build one.
type ConfirmationResult string

const (
	Approve        ConfirmationResult = "approve"
	Deny           ConfirmationResult = "deny"
	ApproveAlways  ConfirmationResult = "approve-always"
	ApproveSession ConfirmationResult = "approve-session"
)

// ToolConfirmation is the payload shown to the operator collaborator.
type ToolConfirmation struct {
	ToolName    string
	Input       map[string]any
	Description string
}

// PermissionRequestFunc is the operator collaborator contract: asked once
// per pending permission request, it blocks until a decision is made.
// Implementations must resolve to Deny rather than panic on internal
// failure.
type PermissionRequestFunc func(childID string, confirmation ToolConfirmation) ConfirmationResult

// Config enumerates the orchestrator's configuration.
type Config struct {
	// SocketPath is the IPC endpoint. Defaults to
	// <home>/.codi/orchestrator.sock.
	SocketPath string

	// MaxWorkers is the hard cap on concurrent non-terminal workers.
	// Readers do not count against it. Must be >= 1.
	MaxWorkers int

	// WorktreeDir, WorktreePrefix, BaseBranch configure the workspace
	// manager.
	WorktreeDir    string
	WorktreePrefix string
	BaseBranch     string

	// CleanupOnExit destroys all workspaces on stop() when true.
	CleanupOnExit bool

	// MaxRestarts caps restart attempts for transiently-failing children.
	MaxRestarts int

	// OnPermissionRequest is the permission-prompt collaborator. Nil means
	// fail-closed: every permission_request not covered by an auto-approve
	// rule is denied without prompting anyone.
	OnPermissionRequest PermissionRequestFunc

	// RepoRoot is the absolute path to the hosting repository.
	RepoRoot string

	// ChildExecutable is the absolute path to the executable to spawn for
	// children. The orchestrator performs no path heuristics; callers
	// resolve it.
	ChildExecutable string

	// CancelGrace is the delay between a cancel message and SIGTERM
	// escalation. Defaults to 1 second.
	CancelGrace time.Duration

	// ShutdownGrace bounds how long stop() waits for each non-terminal
	// worker before force-killing it.
	ShutdownGrace time.Duration

	// StaleWorktreeAge, when positive, prunes worktrees older than this on
	// start(), recovering disk from a previous crashed run. Zero disables
	// pruning.
	StaleWorktreeAge time.Duration

	// Tracer is optional; a no-op tracer is used when nil, so tracing is
	// inert unless a caller installs a real provider.
	Tracer trace.Tracer
}

// WithDefaults returns a copy of cfg with zero-value fields replaced by
// spec-mandated defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.SocketPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.SocketPath = filepath.Join(home, ".codi", "orchestrator.sock")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".codi-worktrees"
	}
	if cfg.WorktreePrefix == "" {
		cfg.WorktreePrefix = "codi/"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return cfg
}

// ReaderToolAllowList is the fixed, read-only tool set readers may use
// without operator confirmation. Any permission_request naming a tool
// outside this set is auto-denied.
var ReaderToolAllowList = map[string]bool{
	"file-read":         true,
	"directory-listing": true,
	"glob":              true,
	"grep":              true,
	"symbol-search":     true,
	"dependency-graph":  true,
	"impact-analysis":   true,
}

// WorkerConfig describes a worker or reader to spawn.
type WorkerConfig struct {
	ID          string // caller-supplied, unique for the orchestrator's lifetime
	Task        string
	Branch      string // optional; workspace manager generates one if empty
	Model       string
	Provider    string
	AutoApprove []string // tool names pre-approved without operator prompt
	PTY         bool     // capture child output over a pseudo-terminal
}
