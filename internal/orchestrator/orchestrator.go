// Package orchestrator is the facade binding the workspace manager,
// worker registry, permission arbitrator, IPC transport, and child
// supervisor into one public surface: spawning workers and readers,
// routing permission requests, restarting transiently-lost children,
// and shutting everything down cleanly.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/debuglog"
	"github.com/laynepenney/codi-sub005/internal/errs"
	"github.com/laynepenney/codi-sub005/internal/ipc"
	"github.com/laynepenney/codi-sub005/internal/permission"
	"github.com/laynepenney/codi-sub005/internal/protocol"
	"github.com/laynepenney/codi-sub005/internal/registry"
	"github.com/laynepenney/codi-sub005/internal/supervisor"
	"github.com/laynepenney/codi-sub005/internal/workspace"
)

// WorkerResult summarizes a terminal worker/reader for WaitAll callers.
type WorkerResult struct {
	ChildID  string
	IsReader bool
	Success  bool
	Result   *protocol.TaskResult
	Error    string
}

// Orchestrator is the top-level facade. Construct with New, bind its
// transport with Start, and always pair that with Stop.
type Orchestrator struct {
	cfg    config.Config
	reg    *registry.Registry
	ws     *workspace.Manager
	sup    *supervisor.Supervisor
	arb    *permission.Arbitrator
	tracer trace.Tracer

	mu                sync.Mutex
	started, stopped  bool
	server            *ipc.Server
	procs             map[string]*supervisor.Process
	spans             map[string]trace.Span
	reachedIdle       map[string]bool
	lostHandled       map[string]bool
	allCompletedFired bool
	spawnWG           sync.WaitGroup

	subCh       chan Event
	droppedLogs atomic.Int64

	evMu       sync.Mutex
	evCond     *sync.Cond
	evQueue    []Event
	evPendLogs int
}

// New constructs an Orchestrator. It does not bind any transport or spawn
// any process until Start is called.
func New(cfg config.Config) *Orchestrator {
	cfg = cfg.WithDefaults()

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("codi-orchestrator")
	}

	o := &Orchestrator{
		cfg:         cfg,
		reg:         registry.New(),
		ws:          workspace.New(workspace.Config{RepoRoot: cfg.RepoRoot, WorktreeDir: cfg.WorktreeDir, Prefix: cfg.WorktreePrefix, BaseBranch: cfg.BaseBranch}),
		sup:         supervisor.New(cfg.ChildExecutable),
		tracer:      tracer,
		procs:       make(map[string]*supervisor.Process),
		spans:       make(map[string]trace.Span),
		reachedIdle: make(map[string]bool),
		lostHandled: make(map[string]bool),
		subCh:       make(chan Event, 256),
	}
	o.evCond = sync.NewCond(&o.evMu)
	go o.relayEvents()
	o.arb = permission.New(o.reg, permission.Callbacks{
		SendRaw: func(childID string, frame []byte) error {
			o.mu.Lock()
			srv := o.server
			o.mu.Unlock()
			if srv == nil {
				return fmt.Errorf("orchestrator: transport not started")
			}
			return srv.SendTo(childID, frame)
		},
		OnTransition: func(childID string, state registry.State, currentTool *string) {
			o.transitionAndNotify(childID, state, currentTool)
		},
		OnPermissionEvent: func(childID, requestID string, confirmation protocol.ToolConfirmation) {
			isReader := false
			if w, ok := o.reg.Get(childID); ok {
				isReader = w.IsReader
			}
			o.emit(PermissionRequest{ChildID: childID, IsReader: isReader, RequestID: requestID, Confirmation: confirmation})
		},
	}, cfg.OnPermissionRequest, tracer)
	return o
}

// Events returns the channel every lifecycle event is delivered on. Every
// kind except Log is guaranteed delivery; Log may be dropped under load
// (see DroppedLogEvents).
func (o *Orchestrator) Events() <-chan Event { return o.subCh }

// DroppedLogEvents reports how many Log events were discarded because too
// many were already queued for a slow subscriber.
func (o *Orchestrator) DroppedLogEvents() int64 { return o.droppedLogs.Load() }

// Start binds the IPC transport, first pruning worktrees a previous
// crashed run may have left behind (when StaleWorktreeAge is set).
// Calling Start twice is a no-op.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if o.cfg.StaleWorktreeAge > 0 {
		if n, err := o.ws.CleanupStale(context.Background(), o.cfg.StaleWorktreeAge); err != nil {
			debuglog.LogKV("orchestrator", "stale worktree prune failed", "error", err)
		} else if n > 0 {
			debuglog.LogKV("orchestrator", "pruned stale worktrees", "count", n)
		}
	}

	srv, err := ipc.Listen(o.cfg.SocketPath, ipc.Callbacks{
		OnMessage:    o.handleMessage,
		OnDisconnect: o.handleDisconnect,
	})
	if err != nil {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
		return err
	}
	o.mu.Lock()
	o.server = srv
	o.mu.Unlock()
	return nil
}

// Stop cancels every active worker/reader, waits up to ShutdownGrace for
// their processes to exit (force-killing stragglers), closes the
// transport, and — when CleanupOnExit is set — auto-commits and destroys
// every workspace. Calling Stop twice is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	active := o.reg.Active()
	for _, w := range active {
		o.Cancel(w.ID)
	}

	var wg sync.WaitGroup
	deadline := time.Now().Add(o.cfg.ShutdownGrace)
	for _, w := range active {
		o.mu.Lock()
		proc := o.procs[w.ID]
		o.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(p *supervisor.Process) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				p.Wait()
				close(done)
			}()
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			select {
			case <-done:
			case <-time.After(remaining):
				p.Kill()
				<-done
			}
		}(proc)
	}
	wg.Wait()

	if o.cfg.CleanupOnExit {
		for _, w := range o.reg.List() {
			if w.Workspace == nil {
				continue
			}
			o.ws.AutoCommitIfDirty(ctx, w.Workspace, "")
		}
		o.ws.Cleanup(ctx)
	}

	o.mu.Lock()
	srv := o.server
	o.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	o.arb.Close()
	return nil
}

// SpawnWorker creates a workspace, registers a worker, and launches its
// child process, returning wc.ID. A capacity, workspace or registration
// failure returns an empty id: the worker was never registered. A launch
// failure returns wc.ID with the error: the worker was registered, and the
// id can be used to query its failed state.
func (o *Orchestrator) SpawnWorker(ctx context.Context, wc config.WorkerConfig) (string, error) {
	return o.spawn(ctx, wc, false)
}

// SpawnReader launches a read-only child against the repository root
// directly, with no dedicated workspace.
func (o *Orchestrator) SpawnReader(ctx context.Context, wc config.WorkerConfig) (string, error) {
	return o.spawn(ctx, wc, true)
}

func (o *Orchestrator) spawn(ctx context.Context, wc config.WorkerConfig, isReader bool) (string, error) {
	if wc.ID == "" {
		return "", fmt.Errorf("orchestrator: worker id required")
	}
	if !isReader && o.reg.ActiveWorkerCount() >= o.cfg.MaxWorkers {
		return "", errs.Sentinel(errs.CapacityExceeded)
	}

	var ws *workspace.Workspace
	workDir := o.cfg.RepoRoot
	if !isReader {
		created, err := o.ws.Create(ctx, wc.Branch)
		if err != nil {
			return "", err
		}
		ws = created
		workDir = ws.Path
	}

	approve := make(map[string]bool, len(wc.AutoApprove))
	for _, t := range wc.AutoApprove {
		approve[t] = true
	}

	worker := &registry.Worker{
		ID:          wc.ID,
		IsReader:    isReader,
		Task:        wc.Task,
		Model:       wc.Model,
		Provider:    wc.Provider,
		AutoApprove: approve,
		Workspace:   ws,
		State:       registry.Starting,
		StartedAt:   time.Now(),
	}
	if ws != nil {
		worker.Branch = ws.Branch
	}
	// Add re-checks the cap under the registry lock: the check at the top
	// of spawn is only a fast path that avoids creating a workspace that
	// would be torn down again here.
	if err := o.reg.Add(worker, o.cfg.MaxWorkers); err != nil {
		if ws != nil {
			o.ws.Destroy(ctx, ws)
		}
		return "", err
	}

	_, span := o.tracer.Start(ctx, "codi.orchestrator.worker")
	span.SetAttributes(attribute.String("codi.child_id", wc.ID), attribute.Bool("codi.is_reader", isReader))
	o.mu.Lock()
	o.spans[wc.ID] = span
	o.allCompletedFired = false
	o.mu.Unlock()
	o.spawnWG.Add(1)

	o.emit(WorkerStarted{ChildID: wc.ID, IsReader: isReader})

	proc, err := o.sup.Spawn(ctx, supervisor.SpawnParams{
		ChildID:     wc.ID,
		IsReader:    isReader,
		Task:        wc.Task,
		Model:       wc.Model,
		Provider:    wc.Provider,
		AutoApprove: wc.AutoApprove,
		WorkDir:     workDir,
		SocketPath:  o.cfg.SocketPath,
		PTY:         wc.PTY,
		LogPrefix:   logPrefix(wc.ID, isReader, worker.Branch),
	}, o.makeOutputHandler(wc.ID))
	if err != nil {
		o.finishFailed(wc.ID, "spawn failed: "+err.Error())
		return wc.ID, err
	}

	o.mu.Lock()
	o.procs[wc.ID] = proc
	o.mu.Unlock()
	go o.watchExit(wc.ID, proc)

	return wc.ID, nil
}

// Cancel sends a cancel message to childID, transitions it to cancelled
// immediately, and escalates to SIGTERM after CancelGrace if the process
// has not exited by then. CancelWorker and CancelReader are thin aliases
// for callers that track the two kinds separately.
func (o *Orchestrator) Cancel(childID string) error {
	w, ok := o.reg.Get(childID)
	if !ok {
		return fmt.Errorf("orchestrator: unknown worker %s", childID)
	}
	if registry.IsTerminal(w.State) {
		return nil
	}

	if frame, err := protocol.Encode(protocol.MsgCancel, protocol.Cancel{Reason: "cancelled"}); err == nil {
		o.mu.Lock()
		srv := o.server
		o.mu.Unlock()
		if srv != nil {
			srv.SendTo(childID, frame)
		}
	}

	if o.transitionAndNotify(childID, registry.Cancelled, nil) {
		o.maybeFireAllCompleted()
	}

	o.mu.Lock()
	proc := o.procs[childID]
	o.mu.Unlock()
	if proc != nil {
		grace := o.cfg.CancelGrace
		go func() {
			time.Sleep(grace)
			if !proc.Exited() {
				proc.Signal(syscall.SIGTERM)
			}
		}()
	}
	return nil
}

func (o *Orchestrator) CancelWorker(childID string) error { return o.Cancel(childID) }
func (o *Orchestrator) CancelReader(childID string) error { return o.Cancel(childID) }

// GetWorker looks up a worker or reader by id. The list accessors below
// are split by kind; both kinds live in the same registry, distinguished
// by IsReader.
func (o *Orchestrator) GetWorker(id string) (*registry.Worker, bool) { return o.reg.Get(id) }
func (o *Orchestrator) GetReader(id string) (*registry.Worker, bool) { return o.reg.Get(id) }

func (o *Orchestrator) GetWorkers() []*registry.Worker       { return filterKind(o.reg.List(), false) }
func (o *Orchestrator) GetActiveWorkers() []*registry.Worker { return filterKind(o.reg.Active(), false) }
func (o *Orchestrator) GetReaders() []*registry.Worker       { return filterKind(o.reg.List(), true) }
func (o *Orchestrator) GetActiveReaders() []*registry.Worker { return filterKind(o.reg.Active(), true) }

func filterKind(ws []*registry.Worker, readers bool) []*registry.Worker {
	out := make([]*registry.Worker, 0, len(ws))
	for _, w := range ws {
		if w.IsReader == readers {
			out = append(out, w)
		}
	}
	return out
}

// WorkspaceDiff returns the accumulated diff between a worker's branch
// and the base it forked from. Errors for unknown ids and for readers,
// which have no workspace.
func (o *Orchestrator) WorkspaceDiff(ctx context.Context, childID string) (string, error) {
	w, ok := o.reg.Get(childID)
	if !ok {
		return "", fmt.Errorf("orchestrator: unknown worker %s", childID)
	}
	if w.Workspace == nil {
		return "", fmt.Errorf("orchestrator: %s has no workspace", childID)
	}
	return o.ws.Diff(ctx, w.Workspace)
}

// WaitAll blocks until every worker/reader ever spawned has reached a
// terminal state, then returns their outcomes. If none were ever spawned
// it returns immediately with an empty slice.
func (o *Orchestrator) WaitAll() []WorkerResult {
	o.spawnWG.Wait()
	workers := o.reg.List()
	out := make([]WorkerResult, 0, len(workers))
	for _, w := range workers {
		if !registry.IsTerminal(w.State) {
			continue
		}
		out = append(out, WorkerResult{
			ChildID: w.ID, IsReader: w.IsReader,
			Success: w.State == registry.Complete,
			Result:  w.Result, Error: w.Error,
		})
	}
	return out
}

// handleMessage dispatches one inbound envelope. It runs on the
// connection's own read goroutine, so a slow handler only delays that
// child's subsequent frames.
func (o *Orchestrator) handleMessage(childID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgHandshake:
		o.transitionAndNotify(childID, registry.Idle, nil)
		o.markReachedIdle(childID)

	case protocol.MsgStatusUpdate:
		su, err := protocol.DecodePayload[protocol.StatusUpdate](env)
		if err != nil {
			return
		}
		state := registry.State(su.Status)
		o.transitionAndNotify(childID, state, su.CurrentTool)
		o.reg.UpdateStatus(childID, su.CurrentTool, su.Progress, su.TokensUsed)
		if state == registry.Idle {
			o.markReachedIdle(childID)
		}

	case protocol.MsgPermissionReq:
		pr, err := protocol.DecodePayload[protocol.PermissionRequest](env)
		if err != nil {
			return
		}
		w, ok := o.reg.Get(childID)
		if !ok {
			return
		}
		o.arb.Submit(context.Background(), childID, pr.RequestID, pr.Confirmation, w.IsReader, w.AutoApprove)

	case protocol.MsgLog:
		lg, err := protocol.DecodePayload[protocol.Log](env)
		if err != nil {
			return
		}
		o.emitLog(Log{ChildID: childID, Level: lg.Level, Content: lg.Content})

	case protocol.MsgTaskComplete:
		tc, err := protocol.DecodePayload[protocol.TaskComplete](env)
		if err != nil {
			return
		}
		o.finishCompleted(childID, tc.Result)

	case protocol.MsgTaskError:
		te, err := protocol.DecodePayload[protocol.TaskError](env)
		if err != nil {
			return
		}
		o.finishFailed(childID, te.Error.Message)
	}
}

// handleDisconnect implements the UnexpectedDisconnect semantics:
// restart if eligible, else fail.
func (o *Orchestrator) handleDisconnect(childID string) {
	o.handleLoss(childID, "Worker disconnected unexpectedly")
}

// watchExit reaps a process and treats its exit as a loss signal too, in
// case the IPC connection never even reached handshake (so OnDisconnect
// would never fire for it).
func (o *Orchestrator) watchExit(childID string, proc *supervisor.Process) {
	proc.Wait()
	o.handleLoss(childID, "Worker disconnected unexpectedly")
}

func (o *Orchestrator) handleLoss(childID, reason string) {
	if !o.claimLoss(childID) {
		return
	}
	o.arb.DiscardForChild(childID)
	w, ok := o.reg.Get(childID)
	if !ok || registry.IsTerminal(w.State) {
		return
	}
	if w.RestartCount < o.cfg.MaxRestarts && o.hasReachedIdle(childID) {
		o.restart(w)
		return
	}
	o.finishFailed(childID, reason)
}

// restart respawns a transiently-lost worker in its existing workspace
// after a backoff delay.
func (o *Orchestrator) restart(w *registry.Worker) {
	childID := w.ID
	if _, err := o.reg.IncrementRestart(childID); err != nil {
		o.finishFailed(childID, "restart bookkeeping failed")
		return
	}
	o.transitionAndNotify(childID, registry.Starting, nil)

	delay := o.sup.NextRestartDelay(childID)
	go func() {
		time.Sleep(delay)
		// The loss claim is released only when the respawn is launched, so
		// the other signal of the loss just handled (disconnect or exit)
		// still finds it claimed; a loss of the new process can be claimed.
		o.clearLoss(childID)
		workDir := o.cfg.RepoRoot
		if w.Workspace != nil {
			workDir = w.Workspace.Path
		}
		proc, err := o.sup.Spawn(context.Background(), supervisor.SpawnParams{
			ChildID:     childID,
			IsReader:    w.IsReader,
			Task:        w.Task,
			Model:       w.Model,
			Provider:    w.Provider,
			AutoApprove: autoApproveList(w.AutoApprove),
			WorkDir:     workDir,
			SocketPath:  o.cfg.SocketPath,
			LogPrefix:   logPrefix(childID, w.IsReader, w.Branch),
		}, o.makeOutputHandler(childID))
		if err != nil {
			o.finishFailed(childID, "restart spawn failed: "+err.Error())
			return
		}
		o.mu.Lock()
		o.procs[childID] = proc
		o.mu.Unlock()
		go o.watchExit(childID, proc)
	}()
}

// transitionAndNotify applies a registry state change, emits the
// corresponding WorkerStatus event if it actually took effect, and runs
// terminal-state bookkeeping exactly once (the registry's own
// terminal-absorbing behavior guarantees "changed" is true only the first
// time a given worker reaches a terminal state).
func (o *Orchestrator) transitionAndNotify(childID string, state registry.State, currentTool *string) bool {
	_, changed, err := o.reg.SetState(childID, state)
	if err != nil {
		return false
	}
	if currentTool != nil {
		o.reg.UpdateStatus(childID, currentTool, nil, nil)
	}
	if !changed {
		return false
	}
	if w, ok := o.reg.Get(childID); ok {
		o.emit(WorkerStatus{ChildID: childID, IsReader: w.IsReader, State: string(state), CurrentTool: w.CurrentTool, Progress: w.Progress})
	}
	if registry.IsTerminal(state) {
		o.onTerminalReached(childID)
	}
	return true
}

// onTerminalReached runs the once-per-worker terminal bookkeeping. It does
// NOT fire AllCompleted itself: callers do that after emitting their own
// terminal event, so AllCompleted is always the last event of a run.
func (o *Orchestrator) onTerminalReached(childID string) {
	o.sup.ForgetRestarts(childID)
	o.arb.DiscardForChild(childID)

	o.mu.Lock()
	if sp, ok := o.spans[childID]; ok {
		sp.End()
		delete(o.spans, childID)
	}
	o.mu.Unlock()

	o.spawnWG.Done()
}

func (o *Orchestrator) maybeFireAllCompleted() {
	o.mu.Lock()
	if o.allCompletedFired {
		o.mu.Unlock()
		return
	}
	if len(o.reg.Active()) > 0 {
		o.mu.Unlock()
		return
	}
	o.allCompletedFired = true
	o.mu.Unlock()
	o.emit(AllCompleted{})
}

func (o *Orchestrator) finishCompleted(childID string, result protocol.TaskResult) {
	o.reg.SetResult(childID, &result, "")
	if !o.transitionAndNotify(childID, registry.Complete, nil) {
		return
	}
	isReader := false
	if w, ok := o.reg.Get(childID); ok {
		isReader = w.IsReader
	}
	o.emit(WorkerCompleted{ChildID: childID, IsReader: isReader, Result: result})
	o.maybeFireAllCompleted()
}

func (o *Orchestrator) finishFailed(childID, message string) {
	o.reg.SetResult(childID, nil, message)
	if !o.transitionAndNotify(childID, registry.Failed, nil) {
		return
	}
	isReader := false
	if w, ok := o.reg.Get(childID); ok {
		isReader = w.IsReader
	}
	o.emit(WorkerFailed{ChildID: childID, IsReader: isReader, Message: message})
	o.maybeFireAllCompleted()
}

// emit enqueues a guaranteed-delivery event. The dispatch core never
// blocks on a slow subscriber: events accumulate on an ordered relay
// queue that a dedicated goroutine drains into the subscriber channel,
// preserving emission order.
func (o *Orchestrator) emit(ev Event) {
	o.evMu.Lock()
	o.evQueue = append(o.evQueue, ev)
	o.evMu.Unlock()
	o.evCond.Signal()
}

// maxPendingLogs bounds how many Log events may sit on the relay queue at
// once. Log is the one droppable event kind; everything else is enqueued
// unconditionally.
const maxPendingLogs = 1024

// emitLog enqueues a Log event on a best-effort basis, incrementing the
// drop counter when too many logs are already backed up behind a slow
// subscriber.
func (o *Orchestrator) emitLog(ev Log) {
	o.evMu.Lock()
	if o.evPendLogs >= maxPendingLogs {
		o.evMu.Unlock()
		o.droppedLogs.Add(1)
		return
	}
	o.evPendLogs++
	o.evQueue = append(o.evQueue, ev)
	o.evMu.Unlock()
	o.evCond.Signal()
}

// relayEvents drains the ordered event queue into the subscriber channel.
// It blocks on subCh sends, so delivery order always matches emission
// order; only the queue itself (not the dispatch core) waits for a slow
// subscriber.
func (o *Orchestrator) relayEvents() {
	for {
		o.evMu.Lock()
		for len(o.evQueue) == 0 {
			o.evCond.Wait()
		}
		batch := o.evQueue
		o.evQueue = nil
		o.evPendLogs = 0
		o.evMu.Unlock()

		for _, ev := range batch {
			o.subCh <- ev
		}
	}
}

func (o *Orchestrator) makeOutputHandler(childID string) supervisor.OnOutput {
	return func(line string, isStderr bool) {
		level := protocol.LogInfo
		if isStderr {
			level = protocol.LogErr
		}
		o.emitLog(Log{ChildID: childID, Level: level, Content: line})
	}
}

func (o *Orchestrator) markReachedIdle(childID string) {
	o.mu.Lock()
	o.reachedIdle[childID] = true
	o.mu.Unlock()
}

func (o *Orchestrator) hasReachedIdle(childID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reachedIdle[childID]
}

// claimLoss ensures only the first of {IPC disconnect, process exit} for a
// given occurrence drives restart/fail handling.
func (o *Orchestrator) claimLoss(childID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lostHandled[childID] {
		return false
	}
	o.lostHandled[childID] = true
	return true
}

func (o *Orchestrator) clearLoss(childID string) {
	o.mu.Lock()
	delete(o.lostHandled, childID)
	o.mu.Unlock()
}

func logPrefix(childID string, isReader bool, branch string) string {
	if isReader {
		return "reader:" + childID
	}
	if branch != "" {
		return branch
	}
	return childID
}

func autoApproveList(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
