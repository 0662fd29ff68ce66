package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/laynepenney/codi-sub005/internal/childrt"
	"github.com/laynepenney/codi-sub005/internal/ipc"
	"github.com/laynepenney/codi-sub005/internal/protocol"
)

// TestMain re-executes this same test binary as the child process
// (CODI_CHILD_MODE/CODI_READER_MODE are set only by supervisor.buildEnv,
// so their presence unambiguously means "I am a spawned child, not the
// top-level `go test` run").
func TestMain(m *testing.M) {
	if os.Getenv("CODI_CHILD_MODE") == "1" || os.Getenv("CODI_READER_MODE") == "1" {
		os.Exit(runHelperChild())
	}
	os.Exit(m.Run())
}

func runHelperChild() int {
	flags := parseFlags(os.Args[1:])
	socketPath := flags["socket-path"]

	if marker := os.Getenv("CODI_TEST_CRASH_MARKER"); marker != "" {
		return runCrashOnceThenSucceed(socketPath, flags["child-id"], flags["child-task"], marker)
	}
	if os.Getenv("CODI_TEST_BLOCK_FOREVER") == "1" {
		return runBlockForever(socketPath, flags["child-id"])
	}

	task := childrt.Task{
		ChildID:           flags["child-id"],
		IsReader:          os.Getenv("CODI_READER_MODE") == "1",
		Task:              flags["child-task"],
		Model:             flags["model"],
		Provider:          flags["provider"],
		RequestPermission: os.Getenv("CODI_TEST_REQUEST_PERMISSION"),
		FailWith:          os.Getenv("CODI_TEST_FAIL_WITH"),
	}
	if os.Getenv("CODI_TEST_EXIT_EARLY") == "1" {
		return runExitEarly(socketPath, task.ChildID)
	}
	if err := childrt.Run(socketPath, task); err != nil {
		fmt.Fprintln(os.Stderr, "helper child error:", err)
		return 1
	}
	return 0
}

// runExitEarly handshakes, announces thinking, then exits without ever
// completing — simulating a crash so the orchestrator observes an
// unexpected disconnect.
func runExitEarly(socketPath, childID string) int {
	cl, err := ipc.Dial(socketPath)
	if err != nil {
		return 1
	}
	defer cl.Close()
	if err := cl.Handshake(childID, 1, nil); err != nil {
		return 1
	}
	cl.Send(protocol.MsgStatusUpdate, protocol.StatusUpdate{Status: protocol.StatusThinking})
	return 1
}

// runBlockForever handshakes, announces thinking, and then never responds
// again — the spawned process only ever goes away via the orchestrator's
// SIGTERM/kill escalation, letting a test exercise graceful shutdown.
func runBlockForever(socketPath, childID string) int {
	cl, err := ipc.Dial(socketPath)
	if err != nil {
		return 1
	}
	defer cl.Close()
	if err := cl.Handshake(childID, 1, nil); err != nil {
		return 1
	}
	cl.Send(protocol.MsgStatusUpdate, protocol.StatusUpdate{Status: protocol.StatusThinking})
	// A sleeping loop rather than select{}: with no other goroutine left,
	// the runtime would abort the process as deadlocked.
	for {
		time.Sleep(time.Hour)
	}
}

// runCrashOnceThenSucceed crashes on its first invocation (no marker file
// yet) and completes normally on every subsequent invocation (marker file
// present), letting a test observe a restart that actually recovers.
func runCrashOnceThenSucceed(socketPath, childID, task, marker string) int {
	if _, err := os.Stat(marker); err != nil {
		os.WriteFile(marker, []byte("crashed"), 0644)
		return runExitEarly(socketPath, childID)
	}
	if err := childrt.Run(socketPath, childrt.Task{ChildID: childID, Task: task}); err != nil {
		fmt.Fprintln(os.Stderr, "helper child error:", err)
		return 1
	}
	return 0
}

func parseFlags(args []string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			continue
		}
		name := strings.TrimPrefix(a, "--")
		switch name {
		case "child-mode", "reader-mode":
			continue
		default:
			if i+1 < len(args) {
				out[name] = args[i+1]
				i++
			}
		}
	}
	return out
}
