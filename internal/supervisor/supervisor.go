// Package supervisor implements the orchestrator's child supervisor: it
// constructs and launches a child process running the orchestrator's own
// executable in child-mode, captures its stdout and stderr line-wise,
// observes its exit, and schedules backoff-delayed restarts for
// transiently-failing children.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creack/pty"

	"github.com/laynepenney/codi-sub005/internal/errs"
)

// SpawnParams describes a single child invocation.
type SpawnParams struct {
	ChildID     string
	IsReader    bool
	Task        string
	Model       string
	Provider    string
	AutoApprove []string
	WorkDir     string // workspace path (worker) or repo root (reader)
	SocketPath  string
	PTY         bool
	// LogPrefix is prepended to every captured output line — derived by
	// the caller from the worker's branch or the reader's short id.
	LogPrefix string
}

// OnOutput is called once per captured stdout/stderr line, including the
// caller-chosen LogPrefix. isStderr distinguishes the stream.
type OnOutput func(line string, isStderr bool)

// Process is a running (or just-exited) child.
type Process struct {
	ChildID string
	cmd     *exec.Cmd
	ptyFile io.Closer // non-nil only when spawned with PTY=true

	mu       sync.Mutex
	exitErr  error
	exitedCh chan struct{}
}

// Supervisor launches and tracks child processes.
type Supervisor struct {
	childExecutable string

	mu       sync.Mutex
	backoffs map[string]*backoff.ExponentialBackOff
}

// New constructs a Supervisor that spawns childExecutable. The path must
// already be resolved to an absolute path by the caller; no path
// heuristics are attempted here.
func New(childExecutable string) *Supervisor {
	return &Supervisor{
		childExecutable: childExecutable,
		backoffs:        make(map[string]*backoff.ExponentialBackOff),
	}
}

// Spawn launches a child process per SpawnParams. The returned Process's
// output is already being drained into onOutput on dedicated goroutines,
// and the process is reaped in the background once its output has been
// read; Wait blocks until that has happened.
func (s *Supervisor) Spawn(ctx context.Context, p SpawnParams, onOutput OnOutput) (*Process, error) {
	args := s.buildArgs(p)
	env := s.buildEnv(p)

	cmd := exec.CommandContext(ctx, s.childExecutable, args...)
	cmd.Dir = p.WorkDir
	cmd.Env = append(os.Environ(), env...)

	proc := &Process{ChildID: p.ChildID, cmd: cmd, exitedCh: make(chan struct{})}
	var drained sync.WaitGroup

	if p.PTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, errs.New(errs.SpawnFailed, p.ChildID, err)
		}
		proc.ptyFile = f
		go drainLines(f, p.LogPrefix, false, onOutput)
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errs.New(errs.SpawnFailed, p.ChildID, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, errs.New(errs.SpawnFailed, p.ChildID, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, errs.New(errs.SpawnFailed, p.ChildID, err)
		}
		drained.Add(2)
		go func() { defer drained.Done(); drainLines(stdout, p.LogPrefix, false, onOutput) }()
		go func() { defer drained.Done(); drainLines(stderr, p.LogPrefix, true, onOutput) }()
	}

	go func() {
		// cmd.Wait closes the stdout/stderr pipes, so it must not run
		// before every line has been read from them.
		drained.Wait()
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.exitedCh)
		if proc.ptyFile != nil {
			proc.ptyFile.Close()
		}
	}()

	return proc, nil
}

func drainLines(r io.Reader, prefix string, isStderr bool, onOutput OnOutput) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if prefix != "" {
			line = "[" + prefix + "] " + line
		}
		if onOutput != nil {
			onOutput(line, isStderr)
		}
	}
}

func (s *Supervisor) buildArgs(p SpawnParams) []string {
	args := []string{}
	if p.IsReader {
		args = append(args, "--reader-mode")
	} else {
		args = append(args, "--child-mode")
	}
	args = append(args, "--socket-path", p.SocketPath, "--child-id", p.ChildID, "--child-task", p.Task)
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.Provider != "" {
		args = append(args, "--provider", p.Provider)
	}
	if len(p.AutoApprove) > 0 {
		args = append(args, "--auto-approve", strings.Join(p.AutoApprove, ","))
	}
	return args
}

func (s *Supervisor) buildEnv(p SpawnParams) []string {
	env := []string{
		"CODI_SOCKET_PATH=" + p.SocketPath,
		"CODI_CHILD_ID=" + p.ChildID,
	}
	if p.IsReader {
		env = append(env, "CODI_READER_MODE=1")
	} else {
		env = append(env, "CODI_CHILD_MODE=1")
	}
	return env
}

// Wait blocks until the process exits and returns its error, if any.
func (p *Process) Wait() error {
	<-p.exitedCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process has already exited, without blocking.
func (p *Process) Exited() bool {
	select {
	case <-p.exitedCh:
		return true
	default:
		return false
	}
}

// Signal sends a signal to the child process.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("supervisor: process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Kill forcibly terminates the child process.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// PID returns the OS process id, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// NextRestartDelay returns the delay to wait before the next restart
// attempt for childID, advancing a per-child exponential backoff sequence
// so a crash-looping child never busy-spins the host. The first call for
// a given childID returns a short initial delay, keeping the first
// recovery prompt.
func (s *Supervisor) NextRestartDelay(childID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[childID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.Multiplier = 2
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0 // never stop offering a delay; maxRestarts governs the cap
		// Jitter of +/-25% stays below the x2 growth, so each delay is
		// still longer than the one before it (until MaxInterval).
		b.RandomizationFactor = 0.25
		b.Reset()
		s.backoffs[childID] = b
	}
	return b.NextBackOff()
}

// ForgetRestarts drops a child's backoff sequence once it reaches a
// terminal state.
func (s *Supervisor) ForgetRestarts(childID string) {
	s.mu.Lock()
	delete(s.backoffs, childID)
	s.mu.Unlock()
}
