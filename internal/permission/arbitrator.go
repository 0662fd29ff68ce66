// Package permission implements the orchestrator's permission arbitrator:
// it serializes permission_request messages across all children to a
// single human operator decision stream, and routes the response back to
// the originating child, without blocking unrelated children's event
// processing.
package permission

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/protocol"
	"github.com/laynepenney/codi-sub005/internal/registry"
)

// Pending is an outstanding permission request, created on inbound
// permission_request and removed on permission_response send or child
// disconnect.
type Pending struct {
	RequestID    string
	ChildID      string
	Confirmation protocol.ToolConfirmation
	span         trace.Span
}

type job struct {
	childID      string
	requestID    string
	confirmation protocol.ToolConfirmation
}

// Arbitrator serializes permission requests to a single operator queue.
type Arbitrator struct {
	reg *registry.Registry

	sendRaw           func(childID string, frame []byte) error
	onTransition      func(childID string, state registry.State, currentTool *string)
	onPermissionEvent func(childID, requestID string, confirmation protocol.ToolConfirmation)
	onResponseEvent   func(childID, requestID string, result protocol.ConfirmationResult)
	collaborator      config.PermissionRequestFunc
	tracer            trace.Tracer

	mu      sync.Mutex
	pending map[string]*Pending // keyed by requestID

	queue chan job
	done  chan struct{}
	wg    sync.WaitGroup
}

// Callbacks groups the orchestrator-supplied hooks the arbitrator invokes
// as it works a request through its state transitions.
type Callbacks struct {
	// SendRaw writes an already-framed envelope to the connection bound to
	// childID. Errors are treated as a disconnect by the caller, not by the
	// arbitrator.
	SendRaw func(childID string, frame []byte) error
	// OnTransition applies a registry state transition and emits the
	// corresponding workerStatus event.
	OnTransition func(childID string, state registry.State, currentTool *string)
	// OnPermissionEvent emits the permissionRequest UI event.
	OnPermissionEvent func(childID, requestID string, confirmation protocol.ToolConfirmation)
	// OnResponseEvent is called once a response has been decided, before
	// it is sent, for observability. May be nil.
	OnResponseEvent func(childID, requestID string, result protocol.ConfirmationResult)
}

// New constructs an Arbitrator and starts its serialized operator-queue
// goroutine. Call Close to stop it.
func New(reg *registry.Registry, cb Callbacks, collaborator config.PermissionRequestFunc, tracer trace.Tracer) *Arbitrator {
	if tracer == nil {
		// otel's global tracer provider defaults to a no-op implementation
		// until a caller installs a real SDK provider, so this stays inert
		// unless the orchestrator's embedder opts in.
		tracer = otel.Tracer("codi-orchestrator/permission")
	}
	a := &Arbitrator{
		reg:               reg,
		sendRaw:           cb.SendRaw,
		onTransition:      cb.OnTransition,
		onPermissionEvent: cb.OnPermissionEvent,
		onResponseEvent:   cb.OnResponseEvent,
		collaborator:      collaborator,
		tracer:            tracer,
		pending:           make(map[string]*Pending),
		queue:             make(chan job, 64),
		done:              make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Close stops the operator-queue goroutine. Any requests still queued are
// left unresolved (their originating children will simply never receive a
// permission_response — matching "no timeout enforced by the arbitrator
// itself").
func (a *Arbitrator) Close() {
	close(a.done)
	a.wg.Wait()
}

// Submit handles an inbound permission_request for childID. autoApprove is
// the worker's pre-approved tool set (nil/empty for a plain worker with
// none); isReader restricts evaluation to the fixed reader allow-list
// instead, auto-denying anything outside it without ever reaching the
// operator.
func (a *Arbitrator) Submit(ctx context.Context, childID, requestID string, confirmation protocol.ToolConfirmation, isReader bool, autoApprove map[string]bool) {
	_, span := a.tracer.Start(ctx, "codi.orchestrator.permission")
	span.SetAttributes(
		attribute.String("codi.child_id", childID),
		attribute.String("codi.tool_name", confirmation.ToolName),
	)

	p := &Pending{RequestID: requestID, ChildID: childID, Confirmation: confirmation, span: span}
	a.mu.Lock()
	a.pending[requestID] = p
	a.mu.Unlock()

	tool := confirmation.ToolName
	a.onTransition(childID, registry.WaitingPermission, &tool)
	a.onPermissionEvent(childID, requestID, confirmation)

	switch {
	case isReader:
		if config.ReaderToolAllowList[confirmation.ToolName] {
			a.resolveImmediately(childID, requestID, protocol.Approve)
		} else {
			a.resolveImmediately(childID, requestID, protocol.Deny)
		}
	case autoApprove[confirmation.ToolName]:
		// The operator is never consulted for an auto-approved tool; the
		// state transitions and events above still run.
		a.resolveImmediately(childID, requestID, protocol.Approve)
	default:
		a.queue <- job{childID: childID, requestID: requestID, confirmation: confirmation}
	}
}

// resolveImmediately answers a pending request without touching the
// operator queue (auto-approve and reader-deny paths).
func (a *Arbitrator) resolveImmediately(childID, requestID string, result protocol.ConfirmationResult) {
	a.respond(childID, requestID, result)
}

func (a *Arbitrator) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case j := <-a.queue:
			collab := a.collaborator
			var answer protocol.ConfirmationResult
			if collab == nil {
				// No collaborator configured: fail closed.
				answer = protocol.Deny
			} else {
				cr := collab(j.childID, config.ToolConfirmation{
					ToolName:    j.confirmation.ToolName,
					Input:       j.confirmation.Input,
					Description: j.confirmation.Description,
				})
				answer = protocol.ConfirmationResult(cr)
				if answer == "" {
					answer = protocol.Deny
				}
			}
			a.respond(j.childID, j.requestID, answer)
		}
	}
}

// respond delivers the permission_response and transitions the worker
// back to thinking. If the pending entry was already removed (child
// disconnected or reached a terminal state first), the response is
// discarded.
func (a *Arbitrator) respond(childID, requestID string, result protocol.ConfirmationResult) {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	defer p.span.End()

	if a.onResponseEvent != nil {
		a.onResponseEvent(childID, requestID, result)
	}

	frame, err := protocol.Encode(protocol.MsgPermissionResp, protocol.PermissionResponse{
		RequestID: requestID,
		Result:    result,
	})
	if err == nil {
		a.sendRaw(childID, frame)
	}

	// If the worker already reached a terminal state, OnTransition's
	// underlying registry call is a no-op.
	a.onTransition(childID, registry.Thinking, nil)
}

// Discard drops a pending request without responding — used when its
// child disconnects or reaches a terminal state before a decision is
// produced.
func (a *Arbitrator) Discard(requestID string) {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if ok {
		p.span.End()
	}
}

// DiscardForChild drops every pending request belonging to childID.
func (a *Arbitrator) DiscardForChild(childID string) {
	a.mu.Lock()
	var dropped []*Pending
	for id, p := range a.pending {
		if p.ChildID == childID {
			dropped = append(dropped, p)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()
	for _, p := range dropped {
		p.span.End()
	}
}
