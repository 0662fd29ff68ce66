package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuildArgsWorker(t *testing.T) {
	s := New("/bin/echo")
	args := s.buildArgs(SpawnParams{
		ChildID: "w1", Task: "do it", Model: "gpt", Provider: "openai",
		AutoApprove: []string{"write_file", "bash"}, SocketPath: "/tmp/x.sock",
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{"--child-mode", "--socket-path /tmp/x.sock", "--child-id w1", "--child-task do it", "--model gpt", "--provider openai", "--auto-approve write_file,bash"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--reader-mode") {
		t.Fatal("worker spawn must not set --reader-mode")
	}
}

func TestBuildArgsReader(t *testing.T) {
	s := New("/bin/echo")
	args := s.buildArgs(SpawnParams{ChildID: "r1", IsReader: true, Task: "scout", SocketPath: "/tmp/x.sock"})
	if !strings.Contains(strings.Join(args, " "), "--reader-mode") {
		t.Fatal("reader spawn must set --reader-mode")
	}
}

func TestBuildEnvMirrorsFlags(t *testing.T) {
	s := New("/bin/echo")
	env := s.buildEnv(SpawnParams{ChildID: "w1", SocketPath: "/tmp/x.sock"})
	joined := strings.Join(env, " ")
	if !strings.Contains(joined, "CODI_CHILD_MODE=1") || !strings.Contains(joined, "CODI_SOCKET_PATH=/tmp/x.sock") || !strings.Contains(joined, "CODI_CHILD_ID=w1") {
		t.Fatalf("unexpected env: %v", env)
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	s := New("/bin/echo")
	var mu sync.Mutex
	var lines []string

	proc, err := s.Spawn(context.Background(), SpawnParams{
		ChildID: "w1", Task: "hello", SocketPath: "/tmp/x.sock", LogPrefix: "w1",
	}, func(line string, isStderr bool) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if proc.PID() <= 0 {
		t.Fatal("expected a positive pid")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("expected 1 captured line, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "[w1] ") {
		t.Fatalf("expected log prefix, got %q", lines[0])
	}
	if !strings.Contains(lines[0], "--child-task hello") {
		t.Fatalf("expected echoed args in output, got %q", lines[0])
	}
}

func TestNextRestartDelayIncreasesAndIsIndependentPerChild(t *testing.T) {
	s := New("/bin/echo")

	first := s.NextRestartDelay("w1")
	second := s.NextRestartDelay("w1")
	if second <= first {
		t.Fatalf("expected increasing backoff, got %v then %v", first, second)
	}
	if first <= 0 || first > time.Second {
		t.Fatalf("expected a small first restart delay, got %v", first)
	}

	// A different child starts its own sequence from scratch.
	otherFirst := s.NextRestartDelay("w2")
	if otherFirst >= second {
		t.Fatalf("expected w2's first delay to be independent of w1's progress")
	}

	s.ForgetRestarts("w1")
	resetFirst := s.NextRestartDelay("w1")
	if resetFirst >= second {
		t.Fatalf("expected ForgetRestarts to reset w1's backoff sequence")
	}
}
