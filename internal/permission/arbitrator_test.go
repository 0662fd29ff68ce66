package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/protocol"
	"github.com/laynepenney/codi-sub005/internal/registry"
)

type harness struct {
	mu          sync.Mutex
	sent        []protocol.PermissionResponse
	reg         *registry.Registry
	transitions []registry.State
}

func newHarness() *harness {
	h := &harness{reg: registry.New()}
	h.reg.Add(&registry.Worker{ID: "w1", State: registry.Thinking}, 0)
	return h
}

func (h *harness) callbacks() Callbacks {
	return Callbacks{
		SendRaw: func(childID string, frame []byte) error {
			env, err := protocol.Decode(frame)
			if err != nil {
				return err
			}
			resp, err := protocol.DecodePayload[protocol.PermissionResponse](env)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.sent = append(h.sent, *resp)
			h.mu.Unlock()
			return nil
		},
		OnTransition: func(childID string, state registry.State, currentTool *string) {
			h.reg.SetState(childID, state)
			h.mu.Lock()
			h.transitions = append(h.transitions, state)
			h.mu.Unlock()
		},
		OnPermissionEvent: func(childID, requestID string, confirmation protocol.ToolConfirmation) {},
	}
}

func waitForSent(t *testing.T, h *harness, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := len(h.sent)
		h.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses", n)
}

func TestAutoApproveBypassesCollaborator(t *testing.T) {
	h := newHarness()
	called := false
	collab := func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		called = true
		return config.Deny
	}
	a := New(h.reg, h.callbacks(), collab, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "write_file"}, false,
		map[string]bool{"write_file": true})

	waitForSent(t, h, 1)
	if called {
		t.Fatal("collaborator must not be invoked for an auto-approved tool")
	}
	if h.sent[0].Result != protocol.Approve {
		t.Fatalf("result = %v, want approve", h.sent[0].Result)
	}
}

func TestOperatorDenial(t *testing.T) {
	h := newHarness()
	collab := func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		return config.Deny
	}
	a := New(h.reg, h.callbacks(), collab, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "bash"}, false, nil)
	waitForSent(t, h, 1)

	if h.sent[0].RequestID != "r1" || h.sent[0].Result != protocol.Deny {
		t.Fatalf("unexpected response: %+v", h.sent[0])
	}
}

func TestNoCollaboratorFailsClosed(t *testing.T) {
	h := newHarness()
	a := New(h.reg, h.callbacks(), nil, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "bash"}, false, nil)
	waitForSent(t, h, 1)

	if h.sent[0].Result != protocol.Deny {
		t.Fatalf("result = %v, want deny", h.sent[0].Result)
	}
}

func TestReaderAutoDeniesOutsideAllowList(t *testing.T) {
	h := newHarness()
	called := false
	collab := func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		called = true
		return config.Approve
	}
	a := New(h.reg, h.callbacks(), collab, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "bash"}, true, nil)
	waitForSent(t, h, 1)

	if called {
		t.Fatal("reader requests outside the allow-list must never reach the operator")
	}
	if h.sent[0].Result != protocol.Deny {
		t.Fatalf("result = %v, want deny", h.sent[0].Result)
	}
}

func TestReaderAllowListApproved(t *testing.T) {
	h := newHarness()
	a := New(h.reg, h.callbacks(), nil, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "file-read"}, true, nil)
	waitForSent(t, h, 1)

	if h.sent[0].Result != protocol.Approve {
		t.Fatalf("result = %v, want approve", h.sent[0].Result)
	}
}

func TestDiscardSuppressesLateResponse(t *testing.T) {
	h := newHarness()
	block := make(chan struct{})
	collab := func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		<-block
		return config.Approve
	}
	a := New(h.reg, h.callbacks(), collab, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "bash"}, false, nil)
	a.Discard("r1")
	close(block)

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	n := len(h.sent)
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected discarded request to produce no response, got %d", n)
	}
}

func TestQueueOrdersConcurrentRequests(t *testing.T) {
	h := newHarness()
	h.reg.Add(&registry.Worker{ID: "w2", State: registry.Thinking}, 0)

	var order []string
	var mu sync.Mutex
	collab := func(childID string, c config.ToolConfirmation) config.ConfirmationResult {
		mu.Lock()
		order = append(order, childID)
		mu.Unlock()
		return config.Approve
	}
	a := New(h.reg, h.callbacks(), collab, nil)
	defer a.Close()

	a.Submit(context.Background(), "w1", "r1", protocol.ToolConfirmation{ToolName: "bash"}, false, nil)
	a.Submit(context.Background(), "w2", "r2", protocol.ToolConfirmation{ToolName: "bash"}, false, nil)

	waitForSent(t, h, 2)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "w1" || order[1] != "w2" {
		t.Fatalf("requests not processed in arrival order: %v", order)
	}
}
