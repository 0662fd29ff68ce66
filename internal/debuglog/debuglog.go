// Package debuglog provides a verbose structured logger for orchestrator
// diagnostics.
//
// When enabled via Init, every significant dispatch-core event (spawn,
// state transition, permission routing, disconnect) is written to a single
// .log file under ~/.codi/debug/. Lines carry nanosecond timestamps,
// goroutine IDs, caller locations, and the relevant ids (childId,
// requestId) so a run can be reconstructed after the fact.
//
// When disabled (the default), every function is a no-op with zero
// allocation overhead — call sites never need to check Enabled() first.
package debuglog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/laynepenney/codi-sub005/internal/hexid"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
}

// Init initializes the global debug logger under ~/.codi/debug/. Returns the
// log file path. Calling LogKV before Init is harmless — it is a no-op
// until a logger is installed.
func Init() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("debuglog: user home dir: %w", err)
	}

	dir := filepath.Join(home, ".codi", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debuglog: create dir %s: %w", dir, err)
	}

	now := time.Now()
	hid := hexid.New()
	filename := fmt.Sprintf("%s_%s.log", now.Format("20060102T150405"), hid)
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debuglog: open log %s: %w", path, err)
	}

	l := &Logger{file: f, path: path, startedAt: now}

	header := fmt.Sprintf(
		"=== CODI ORCHESTRATOR DEBUG LOG ===\nStarted: %s\nPID: %d\nGOMAXPROCS: %d\nLog ID: %s\nFile: %s\n===\n\n",
		now.Format(time.RFC3339Nano), os.Getpid(), runtime.GOMAXPROCS(0), hid, path,
	)
	f.WriteString(header)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	return path, nil
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := time.Since(l.startedAt)
	l.file.WriteString(fmt.Sprintf("\n=== DEBUG LOG CLOSED === (duration=%s)\n", elapsed))
	l.file.Close()
}

// Enabled reports whether the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	e := logger != nil
	loggerMu.RUnlock()
	return e
}

// Path returns the active log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return ""
	}
	return l.path
}

// LogKV writes a debug line with key/value context pairs. No-op when
// disabled. Usage: debuglog.LogKV("dispatch", "state transition",
// "child_id", id, "from", from, "to", to)
func LogKV(component, msg string, kvs ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		b.WriteString(fmt.Sprintf(" %v=%v", kvs[i], kvs[i+1]))
	}
	l.write(component, b.String())
}

func (l *Logger) write(component, msg string) {
	now := time.Now()
	elapsed := now.Sub(l.startedAt)
	gid := goroutineID()

	_, file, line, ok := runtime.Caller(2)
	caller := "??:0"
	if ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+1:]
		} else if idx := strings.LastIndex(file, "/cmd/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	formatted := fmt.Sprintf("%s +%12s [G%-6d] [%-12s] %-36s | %s\n",
		now.Format("15:04:05.000000000"), elapsed.Truncate(time.Microsecond), gid, component, caller, msg)

	l.mu.Lock()
	l.file.WriteString(formatted)
	l.mu.Unlock()
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
