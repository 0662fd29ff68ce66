// Package workspace implements the orchestrator's workspace manager:
// per-worker filesystem workspaces materialized as git worktrees, each
// bound to a branch derived from the worker's base branch.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/laynepenney/codi-sub005/internal/debuglog"
	"github.com/laynepenney/codi-sub005/internal/errs"
	"github.com/laynepenney/codi-sub005/internal/hexid"
)

// Workspace is an isolated working copy of the repository tied to a
// per-worker branch.
type Workspace struct {
	Path   string
	Branch string
	Base   string
}

// Manager creates and destroys Workspaces under a single repository root.
// All mutation of the live-workspace set goes through Manager's own
// methods, themselves serialized by mu.
type Manager struct {
	repoRoot    string
	worktreeDir string
	prefix      string
	baseBranch  string

	mu      sync.Mutex
	created map[string]*Workspace // keyed by Path
}

// Config configures a Manager. WorktreeDir defaults to ".codi-worktrees"
// (relative to RepoRoot), Prefix to "codi/", BaseBranch to "main".
// BaseBranch is not resolved at construction time; it is validated on each
// Create call, so a changing base branch is picked up without restarting
// the orchestrator.
type Config struct {
	RepoRoot    string
	WorktreeDir string
	Prefix      string
	BaseBranch  string
}

// New constructs a Manager. RepoRoot must be an absolute path to the git
// repository hosting workspaces.
func New(cfg Config) *Manager {
	wtDir := cfg.WorktreeDir
	if wtDir == "" {
		wtDir = ".codi-worktrees"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "codi/"
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	return &Manager{
		repoRoot:    cfg.RepoRoot,
		worktreeDir: wtDir,
		prefix:      prefix,
		baseBranch:  base,
		created:     make(map[string]*Workspace),
	}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string { return unsafeChars.ReplaceAllString(s, "_") }

// Create allocates a new workspace. If branch is empty a random branch
// suffix is generated. Fails with a WorkspaceUnavailable *errs.Error if the
// target path already exists non-empty, the base branch is missing, or git
// reports an error materializing the worktree.
func (m *Manager) Create(ctx context.Context, branch string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if branch == "" {
		branch = hexid.New()
	}
	fullBranch := m.prefix + sanitize(branch)

	base := filepath.Join(m.repoRoot, m.worktreeDir)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errs.New(errs.WorkspaceUnavailable, "", fmt.Errorf("creating worktree dir: %w", err))
	}

	wtPath := filepath.Join(base, sanitize(fullBranch))
	if entries, err := os.ReadDir(wtPath); err == nil && len(entries) > 0 {
		return nil, errs.New(errs.WorkspaceUnavailable, "", fmt.Errorf("workspace path %s already exists and is non-empty", wtPath))
	}

	if err := m.validateBaseBranch(ctx); err != nil {
		return nil, errs.New(errs.WorkspaceUnavailable, "", err)
	}

	if _, err := m.git(ctx, "worktree", "add", "-b", fullBranch, wtPath, m.baseBranch); err != nil {
		return nil, errs.New(errs.WorkspaceUnavailable, "", fmt.Errorf("worktree add: %w", err))
	}

	ws := &Workspace{Path: wtPath, Branch: fullBranch, Base: m.baseBranch}
	m.created[wtPath] = ws
	debuglog.LogKV("workspace", "created", "path", wtPath, "branch", fullBranch, "base", m.baseBranch)
	return ws, nil
}

// validateBaseBranch uses go-git to check the configured base branch
// resolves to a real reference before shelling out to git for the actual
// worktree materialization (git has no library primitive for worktrees, so
// that part stays on the CLI; the cheap existence check does not need it).
func (m *Manager) validateBaseBranch(ctx context.Context) error {
	repo, err := git.PlainOpenWithOptions(m.repoRoot, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("opening repository at %s: %w", m.repoRoot, err)
	}

	candidates := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(m.baseBranch),
	}
	for _, ref := range candidates {
		if _, err := repo.Reference(ref, true); err == nil {
			return nil
		}
	}
	// Fall back to treating baseBranch as a revision (tag, sha, HEAD).
	if _, err := repo.ResolveRevision(plumbing.Revision(m.baseBranch)); err == nil {
		return nil
	}
	return fmt.Errorf("base branch %q not found", m.baseBranch)
}

// Destroy unbinds a workspace's working copy and removes its path.
// Idempotent: destroying a workspace whose path no longer exists is a
// no-op, not an error.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked(ctx, ws)
}

func (m *Manager) destroyLocked(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if _, err := os.Stat(ws.Path); os.IsNotExist(err) {
		delete(m.created, ws.Path)
		return nil
	}

	if _, err := m.git(ctx, "worktree", "remove", "--force", ws.Path); err != nil {
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			m.git(ctx, "worktree", "prune")
			return fmt.Errorf("worktree remove failed (%v) and manual cleanup also failed: %w", err, rmErr)
		}
		m.git(ctx, "worktree", "prune")
	}

	if ws.Branch != "" {
		m.git(ctx, "branch", "-D", ws.Branch)
	}
	delete(m.created, ws.Path)
	debuglog.LogKV("workspace", "destroyed", "path", ws.Path, "branch", ws.Branch)
	return nil
}

// Cleanup destroys every workspace this Manager has created.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	workspaces := make([]*Workspace, 0, len(m.created))
	for _, ws := range m.created {
		workspaces = append(workspaces, ws)
	}
	m.mu.Unlock()

	var firstErr error
	for _, ws := range workspaces {
		if err := m.Destroy(ctx, ws); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Diff returns the changes made on the workspace's branch since it diverged
// from the repository's current HEAD (`git diff HEAD...branch`).
func (m *Manager) Diff(ctx context.Context, ws *Workspace) (string, error) {
	return m.git(ctx, "diff", "HEAD..."+ws.Branch)
}

// AutoCommitIfDirty stages and commits all pending changes in a workspace.
// Returns (hash, committed). A clean workspace returns committed=false.
func (m *Manager) AutoCommitIfDirty(ctx context.Context, ws *Workspace, message string) (string, bool, error) {
	status, err := m.git(ctx, "-C", ws.Path, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("status in workspace %s: %w", ws.Path, err)
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}
	if _, err := m.git(ctx, "-C", ws.Path, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging changes: %w", err)
	}
	if message == "" {
		message = "auto-commit: " + ws.Branch
	}
	if _, err := m.git(ctx, "-C", ws.Path,
		"-c", "user.name=codi-orchestrator", "-c", "user.email=codi-orchestrator@local",
		"commit", "-m", message); err != nil {
		return "", false, fmt.Errorf("auto-commit: %w", err)
	}
	hash, err := m.git(ctx, "-C", ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(hash), true, nil
}

// CleanupStale removes worktrees under the worktree directory older than
// maxAge, including leftovers from a previous run this Manager never
// created itself. Safe to call on every orchestrator startup to recover
// from a prior crash. maxAge <= 0 removes nothing.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	base := filepath.Join(m.repoRoot, m.worktreeDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(base, e.Name())
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) <= maxAge {
			continue
		}
		m.mu.Lock()
		ws, tracked := m.created[path]
		m.mu.Unlock()
		if !tracked {
			// A leftover from an earlier run. The branch name cannot be
			// reconstructed from the sanitized directory name, so only the
			// worktree itself is removed.
			ws = &Workspace{Path: path}
		}
		if err := m.Destroy(ctx, ws); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), string(out), err)
	}
	return string(out), nil
}
