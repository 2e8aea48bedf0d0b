package turns

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/naturalstream/internal/fusion"
)

func TestRegistryBeginFinishGet(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Begin("turn-1", "hello")

	got, err := r.Get("turn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive || got.UserInput != "hello" {
		t.Fatalf("unexpected turn state: %+v", got)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	if err := r.Finish(fusion.Report{TurnID: "turn-1", Outcome: fusion.OutcomeCompleted, ResponsesGenerated: 2}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	got, err = r.Get("turn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Report == nil || got.Report.ResponsesGenerated != 2 {
		t.Fatalf("Report = %+v, want 2 responses", got.Report)
	}
	if got.EndedAt.IsZero() {
		t.Fatalf("EndedAt should be set")
	}
}

func TestRegistryFailedOutcome(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Begin("turn-1", "q")
	if err := r.Finish(fusion.Report{TurnID: "turn-1", Outcome: fusion.OutcomeFailed}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	got, _ := r.Get("turn-1")
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", got.Status, StatusFailed)
	}
}

func TestRegistryUnknownTurn(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := r.Finish(fusion.Report{TurnID: "missing"}); err != ErrNotFound {
		t.Fatalf("Finish() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := NewRegistry(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		ts := base.Add(time.Duration(i) * time.Second)
		r.now = func() time.Time { return ts }
		r.Begin(id, id)
	}

	got := r.List(2)
	if len(got) != 2 {
		t.Fatalf("len(List(2)) = %d, want 2", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("List order = %s,%s, want c,b", got[0].ID, got[1].ID)
	}
	if len(r.List(0)) != 3 {
		t.Fatalf("List(0) should return every turn")
	}
}

func TestRegistryJanitorEvictsFinished(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Begin("done", "q")
	r.Begin("running", "q")
	if err := r.Finish(fusion.Report{TurnID: "done"}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	evicted := make(chan string, 1)
	r.SetEvictHook(func(t *Turn) { evicted <- t.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 5*time.Millisecond)

	select {
	case id := <-evicted:
		if id != "done" {
			t.Fatalf("evicted %q, want done", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finished turn was not evicted")
	}
	if _, err := r.Get("done"); err != ErrNotFound {
		t.Fatalf("Get(done) error = %v, want ErrNotFound", err)
	}
	if _, err := r.Get("running"); err != nil {
		t.Fatalf("active turn must survive eviction: %v", err)
	}
}
