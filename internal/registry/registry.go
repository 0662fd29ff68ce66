package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/laynepenney/codi-sub005/internal/errs"
	"github.com/laynepenney/codi-sub005/internal/protocol"
	"github.com/laynepenney/codi-sub005/internal/workspace"
)

// Worker is a supervised, workspace-isolated agent, or (when IsReader) a
// lightweight workspace-less variant restricted to read-only tools.
type Worker struct {
	ID          string
	IsReader    bool
	Task        string
	Branch      string
	Model       string
	Provider    string
	AutoApprove map[string]bool
	Workspace   *workspace.Workspace // nil for readers

	State        State
	RestartCount int
	StartedAt    time.Time
	CompletedAt  *time.Time

	TokensUsed  int64
	Progress    *int
	CurrentTool *string

	Error  string
	Result *protocol.TaskResult
}

// clone returns a value copy safe to hand to callers outside the registry
// lock. Queries expose copy-on-read snapshots only; pointers to internal
// state never leave this package.
func (w *Worker) clone() *Worker {
	cp := *w
	if w.Progress != nil {
		p := *w.Progress
		cp.Progress = &p
	}
	if w.CurrentTool != nil {
		t := *w.CurrentTool
		cp.CurrentTool = &t
	}
	if w.CompletedAt != nil {
		c := *w.CompletedAt
		cp.CompletedAt = &c
	}
	if w.AutoApprove != nil {
		cp.AutoApprove = make(map[string]bool, len(w.AutoApprove))
		for k, v := range w.AutoApprove {
			cp.AutoApprove[k] = v
		}
	}
	if w.Workspace != nil {
		ws := *w.Workspace
		cp.Workspace = &ws
	}
	if w.Result != nil {
		res := *w.Result
		res.FilesChanged = append([]string(nil), w.Result.FilesChanged...)
		cp.Result = &res
	}
	return &cp
}

// Registry is the dispatch core's single-writer store for worker/reader
// state. All mutation happens through its methods, each of which holds mu
// for the duration of the in-memory update only, never across I/O.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Add registers a new worker in the Starting state. Fails if id is already
// registered (caller ids must be unique for the orchestrator's lifetime),
// or with CapacityExceeded when maxWorkers non-terminal workers are
// already registered. maxWorkers <= 0 means no cap; readers never count
// against it either way. The cap is checked under the same lock as the
// insert, so concurrent Adds cannot both slip past it.
func (r *Registry) Add(w *Worker, maxWorkers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("registry: worker id %q already registered", w.ID)
	}
	if !w.IsReader && maxWorkers > 0 && r.activeWorkerCountLocked() >= maxWorkers {
		return errs.Sentinel(errs.CapacityExceeded)
	}
	cp := *w
	r.workers[w.ID] = &cp
	return nil
}

// Get returns a snapshot copy of the worker with the given id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// List returns snapshot copies of every registered worker/reader.
func (r *Registry) List() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.clone())
	}
	return out
}

// Active returns snapshot copies of every non-terminal worker (readers
// included; callers filtering by IsReader do so themselves).
func (r *Registry) Active() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0)
	for _, w := range r.workers {
		if !IsTerminal(w.State) {
			out = append(out, w.clone())
		}
	}
	return out
}

// ActiveWorkerCount returns the number of non-terminal, non-reader
// workers, the quantity the maxWorkers concurrency bound is checked
// against. Readers never count against maxWorkers.
func (r *Registry) ActiveWorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeWorkerCountLocked()
}

func (r *Registry) activeWorkerCountLocked() int {
	n := 0
	for _, w := range r.workers {
		if !w.IsReader && !IsTerminal(w.State) {
			n++
		}
	}
	return n
}

// SetState transitions worker id to state s. Terminal states are
// absorbing: once a worker is terminal, SetState is a no-op and changed is
// false. A transition to the state already held is also a no-op, so a
// child re-announcing its current status does not produce a duplicate
// event. Returns the state prior to the call.
func (r *Registry) SetState(id string, s State) (previous State, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return "", false, errs.New(errs.ProtocolViolation, id, fmt.Errorf("unknown worker id"))
	}
	previous = w.State
	if IsTerminal(previous) || s == previous {
		return previous, false, nil
	}
	w.State = s
	if IsTerminal(s) {
		now := time.Now()
		w.CompletedAt = &now
	}
	return previous, true, nil
}

// UpdateStatus applies a status_update's optional fields in addition to the
// state transition performed by the caller via SetState.
func (r *Registry) UpdateStatus(id string, currentTool *string, progress *int, tokensUsed *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return errs.New(errs.ProtocolViolation, id, fmt.Errorf("unknown worker id"))
	}
	if IsTerminal(w.State) {
		return nil
	}
	if currentTool != nil {
		w.CurrentTool = currentTool
	}
	if progress != nil {
		w.Progress = progress
	}
	if tokensUsed != nil {
		w.TokensUsed = *tokensUsed
	}
	return nil
}

// SetResult records the terminal outcome of a worker (success result or
// error message), alongside its final SetState call.
func (r *Registry) SetResult(id string, result *protocol.TaskResult, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return errs.New(errs.ProtocolViolation, id, fmt.Errorf("unknown worker id"))
	}
	w.Result = result
	w.Error = errMsg
	return nil
}

// IncrementRestart bumps restartCount and is called immediately before a
// supervisor-initiated respawn.
func (r *Registry) IncrementRestart(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return 0, errs.New(errs.ProtocolViolation, id, fmt.Errorf("unknown worker id"))
	}
	w.RestartCount++
	return w.RestartCount, nil
}
