package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/errs"
	"github.com/laynepenney/codi-sub005/internal/registry"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func testConfig(t *testing.T) config.Config {
	repoRoot := initTestRepo(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return config.Config{
		SocketPath:      filepath.Join(t.TempDir(), "orchestrator.sock"),
		MaxWorkers:      2,
		RepoRoot:        repoRoot,
		ChildExecutable: exe,
		MaxRestarts:     0,
		CancelGrace:     30 * time.Millisecond,
		ShutdownGrace:   2 * time.Second,
	}
}

func waitAllWithTimeout(t *testing.T, o *Orchestrator, timeout time.Duration) []WorkerResult {
	t.Helper()
	done := make(chan []WorkerResult, 1)
	go func() { done <- o.WaitAll() }()
	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
		t.Fatal("WaitAll did not return in time")
		return nil
	}
}

func TestHappyPath(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	id, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "build the thing"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	results := waitAllWithTimeout(t, o, 5*time.Second)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ChildID != id || !r.Success {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Result == nil || !strings.Contains(r.Result.Response, "build the thing") {
		t.Fatalf("unexpected task result: %+v", r.Result)
	}

	// The workspace is still live until Stop, so its branch diff is
	// queryable; this deterministic child changes nothing, so it is empty.
	diff, err := o.WorkspaceDiff(context.Background(), id)
	if err != nil {
		t.Fatalf("WorkspaceDiff: %v", err)
	}
	if strings.TrimSpace(diff) != "" {
		t.Fatalf("expected empty diff, got %q", diff)
	}
}

func TestCapacityExceeded(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWorkers = 1
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if _, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "first"}); err != nil {
		t.Fatalf("SpawnWorker w1: %v", err)
	}
	_, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w2", Task: "second"})
	if err == nil || !errors.Is(err, errs.Sentinel(errs.CapacityExceeded)) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}

	waitAllWithTimeout(t, o, 5*time.Second)
}

func TestOperatorDenialStillCompletes(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	var sawTool string
	cfg.OnPermissionRequest = func(childID string, confirmation config.ToolConfirmation) config.ConfirmationResult {
		mu.Lock()
		sawTool = confirmation.ToolName
		mu.Unlock()
		return config.Deny
	}
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	t.Setenv("CODI_TEST_REQUEST_PERMISSION", "bash")
	_, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "run a command"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	results := waitAllWithTimeout(t, o, 5*time.Second)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected successful completion despite denial, got %+v", results)
	}

	mu.Lock()
	defer mu.Unlock()
	if sawTool != "bash" {
		t.Fatalf("expected operator to be asked about bash, got %q", sawTool)
	}
}

func TestUnexpectedDisconnectFailsWithoutRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	t.Setenv("CODI_TEST_EXIT_EARLY", "1")
	_, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "crash"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	results := waitAllWithTimeout(t, o, 5*time.Second)
	if len(results) != 1 || results[0].Success || results[0].Error == "" {
		t.Fatalf("expected a failed result with no restart, got %+v", results)
	}

	w, ok := o.GetWorker("w1")
	if !ok || w.RestartCount != 0 {
		t.Fatalf("expected no restart attempts, got %+v", w)
	}
}

func TestUnexpectedDisconnectRestartsAndRecovers(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 3
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	marker := filepath.Join(t.TempDir(), "crash-marker")
	t.Setenv("CODI_TEST_CRASH_MARKER", marker)
	_, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "retry me"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	results := waitAllWithTimeout(t, o, 10*time.Second)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected eventual success after restart, got %+v", results)
	}

	w, ok := o.GetWorker("w1")
	if !ok || w.RestartCount < 1 {
		t.Fatalf("expected at least one restart, got %+v", w)
	}
}

func TestStopCancelsAndKillsBlockedWorker(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Setenv("CODI_TEST_BLOCK_FOREVER", "1")
	id, err := o.SpawnWorker(context.Background(), config.WorkerConfig{ID: "w1", Task: "never finishes"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := o.GetWorker(id); ok && w.State == registry.Thinking {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- o.Stop(context.Background()) }()
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within its shutdown grace")
	}

	w, ok := o.GetWorker(id)
	if !ok || w.State != registry.Cancelled {
		t.Fatalf("expected worker cancelled after Stop, got %+v", w)
	}
}

func TestSpawnReaderRunsWithoutWorkspace(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWorkers = 1
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	// file-read is on the reader allow-list, so with no collaborator
	// configured the request is still auto-approved.
	t.Setenv("CODI_TEST_REQUEST_PERMISSION", "file-read")
	id, err := o.SpawnReader(context.Background(), config.WorkerConfig{ID: "r1", Task: "scout the repo"})
	if err != nil {
		t.Fatalf("SpawnReader: %v", err)
	}

	results := waitAllWithTimeout(t, o, 5*time.Second)
	if len(results) != 1 || !results[0].Success || !results[0].IsReader {
		t.Fatalf("expected a successful reader result, got %+v", results)
	}

	w, ok := o.GetReader(id)
	if !ok || !w.IsReader {
		t.Fatalf("expected reader in registry, got %+v", w)
	}
	if w.Workspace != nil {
		t.Fatalf("readers must not get a workspace, got %+v", w.Workspace)
	}
	if rs := o.GetReaders(); len(rs) != 1 || rs[0].ID != id {
		t.Fatalf("GetReaders = %+v", rs)
	}
	if ws := o.GetWorkers(); len(ws) != 0 {
		t.Fatalf("readers must not appear in GetWorkers, got %+v", ws)
	}
}

func TestEventOrderSingleWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.OnPermissionRequest = func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		t.Error("collaborator must not be invoked for an auto-approved tool")
		return config.Deny
	}
	o := New(cfg)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	var mu sync.Mutex
	var events []Event
	allDone := make(chan struct{})
	go func() {
		for ev := range o.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			if _, ok := ev.(AllCompleted); ok {
				close(allDone)
				return
			}
		}
	}()

	t.Setenv("CODI_TEST_REQUEST_PERMISSION", "write_file")
	if _, err := o.SpawnWorker(context.Background(), config.WorkerConfig{
		ID: "w1", Task: "write HELLO.md", AutoApprove: []string{"write_file"},
	}); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	waitAllWithTimeout(t, o, 5*time.Second)
	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AllCompleted")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := events[0].(WorkerStarted); !ok {
		t.Fatalf("first event = %T, want WorkerStarted", events[0])
	}

	var states []string
	permissionIdx, completedIdx := -1, -1
	for i, ev := range events {
		switch e := ev.(type) {
		case WorkerStatus:
			states = append(states, e.State)
		case PermissionRequest:
			permissionIdx = i
			if e.Confirmation.ToolName != "write_file" {
				t.Fatalf("permission request tool = %q, want write_file", e.Confirmation.ToolName)
			}
		case WorkerCompleted:
			completedIdx = i
		}
	}

	want := []string{"idle", "thinking", "waiting_permission", "thinking", "executing_tool", "thinking", "complete"}
	if len(states) != len(want) {
		t.Fatalf("status sequence = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", states, want)
		}
	}
	if permissionIdx < 0 || completedIdx < 0 || permissionIdx >= completedIdx {
		t.Fatalf("expected permissionRequest before workerCompleted, got indices %d and %d", permissionIdx, completedIdx)
	}
}
