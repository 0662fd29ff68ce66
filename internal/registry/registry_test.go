package registry

import (
	"errors"
	"testing"

	"github.com/laynepenney/codi-sub005/internal/errs"
)

func TestAddGet(t *testing.T) {
	r := New()
	if err := r.Add(&Worker{ID: "w1", State: Starting}, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(&Worker{ID: "w1", State: Starting}, 0); err == nil {
		t.Fatal("expected error on duplicate id")
	}

	w, ok := r.Get("w1")
	if !ok {
		t.Fatal("expected worker to exist")
	}
	if w.State != Starting {
		t.Fatalf("state = %v, want Starting", w.State)
	}
}

func TestTerminalStateAbsorbs(t *testing.T) {
	r := New()
	r.Add(&Worker{ID: "w1", State: Thinking}, 0)

	prev, changed, err := r.SetState("w1", Complete)
	if err != nil || !changed || prev != Thinking {
		t.Fatalf("unexpected first transition: prev=%v changed=%v err=%v", prev, changed, err)
	}

	prev, changed, err = r.SetState("w1", Idle)
	if err != nil {
		t.Fatalf("SetState after terminal: %v", err)
	}
	if changed {
		t.Fatal("expected no-op transition out of terminal state")
	}
	if prev != Complete {
		t.Fatalf("prev = %v, want Complete", prev)
	}

	w, _ := r.Get("w1")
	if w.State != Complete {
		t.Fatalf("state regressed to %v after terminal no-op", w.State)
	}
}

func TestActiveWorkerCountExcludesReaders(t *testing.T) {
	r := New()
	r.Add(&Worker{ID: "w1", State: Thinking}, 0)
	r.Add(&Worker{ID: "r1", State: Thinking, IsReader: true}, 0)
	r.Add(&Worker{ID: "w2", State: Complete}, 0)

	if got := r.ActiveWorkerCount(); got != 1 {
		t.Fatalf("ActiveWorkerCount = %d, want 1", got)
	}
}

func TestGetReturnsSnapshotNotPointer(t *testing.T) {
	r := New()
	r.Add(&Worker{ID: "w1", State: Idle}, 0)
	w, _ := r.Get("w1")
	w.State = Failed // mutate the returned copy

	w2, _ := r.Get("w1")
	if w2.State != Idle {
		t.Fatalf("internal state leaked through snapshot: %v", w2.State)
	}
}

func TestAddEnforcesWorkerCap(t *testing.T) {
	r := New()
	if err := r.Add(&Worker{ID: "w1", State: Thinking}, 1); err != nil {
		t.Fatalf("Add w1: %v", err)
	}
	err := r.Add(&Worker{ID: "w2", State: Starting}, 1)
	if !errors.Is(err, errs.Sentinel(errs.CapacityExceeded)) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}

	// Readers are exempt from the cap.
	if err := r.Add(&Worker{ID: "r1", State: Starting, IsReader: true}, 1); err != nil {
		t.Fatalf("Add reader: %v", err)
	}

	// A terminal worker frees its slot.
	r.SetState("w1", Complete)
	if err := r.Add(&Worker{ID: "w3", State: Starting}, 1); err != nil {
		t.Fatalf("Add w3 after w1 completed: %v", err)
	}
}
