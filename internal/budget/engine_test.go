package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

func TestReserveCommitReleasesDifference(t *testing.T) {
	mem := store.NewMemory()
	e := New(mem, nil)
	ctx := context.Background()

	scopes := []Scope{{Key: "vk:a", Caps: store.Budget{TotalTokens: 1000}, Primary: true}}
	set, err := e.Reserve(ctx, "req-1", scopes, 150, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	set.Commit(ctx, 40, 0)

	l, _ := mem.GetLedger(ctx, "vk:a")
	if l.SpentTokens != 40 || l.ReservedTokens != 0 {
		t.Fatalf("ledger = %+v, want spent 40 reserved 0", l)
	}

	// Repeat commit is a no-op.
	set.Commit(ctx, 40, 0)
	l, _ = mem.GetLedger(ctx, "vk:a")
	if l.SpentTokens != 40 {
		t.Fatalf("repeat commit mutated ledger: %+v", l)
	}
}

func TestReserveRejectionRollsBackEarlierScopes(t *testing.T) {
	mem := store.NewMemory()
	e := New(mem, nil)
	ctx := context.Background()

	scopes := []Scope{
		{Key: "vk:a", Caps: store.Budget{TotalTokens: 1000}, Primary: true},
		{Key: "tenant:t", Caps: store.Budget{TotalTokens: 100}},
	}
	_, err := e.Reserve(ctx, "req-1", scopes, 150, 0)
	var ie *InsufficientError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if ie.Scope != "tenant:t" {
		t.Fatalf("rejecting scope = %q, want tenant:t", ie.Scope)
	}

	// The key-scope reservation must have been rolled back.
	l, _ := mem.GetLedger(ctx, "vk:a")
	if l.ReservedTokens != 0 {
		t.Fatalf("key ledger = %+v after rollback, want reserved 0", l)
	}
}

func TestReservationIDNaming(t *testing.T) {
	primary := Scope{Key: "vk:a", Primary: true}
	shared := Scope{Key: "tenant:t"}

	if got := ReservationID("req-9", primary); got != "req-9" {
		t.Fatalf("primary id = %q", got)
	}
	if got := ReservationID("req-9", shared); got != "req-9::budget::tenant:t" {
		t.Fatalf("shared id = %q", got)
	}
}

func TestUncappedScopesSkipped(t *testing.T) {
	mem := store.NewMemory()
	e := New(mem, nil)
	ctx := context.Background()

	set, err := e.Reserve(ctx, "req-1", []Scope{{Key: "vk:a", Primary: true}}, 500, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !set.Empty() {
		t.Fatal("expected empty set for uncapped scopes")
	}
}

func TestReapReleasesStaleReservations(t *testing.T) {
	mem := store.NewMemory()
	e := New(mem, nil)
	ctx := context.Background()

	base := time.Unix(1000, 0)
	e.now = func() time.Time { return base }

	scopes := []Scope{{Key: "vk:a", Caps: store.Budget{TotalTokens: 1000}, Primary: true}}
	if _, err := e.Reserve(ctx, "stale", scopes, 100, 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// An hour later, the reservation is abandoned.
	e.now = func() time.Time { return base.Add(time.Hour) }

	report, err := e.Reap(ctx, 10*time.Minute, 0, true)
	if err != nil {
		t.Fatalf("Reap dry run: %v", err)
	}
	if report.Scanned != 1 || report.Released != 0 {
		t.Fatalf("dry run report = %+v", report)
	}
	l, _ := mem.GetLedger(ctx, "vk:a")
	if l.ReservedTokens != 100 {
		t.Fatalf("dry run mutated ledger: %+v", l)
	}

	report, err = e.Reap(ctx, 10*time.Minute, 0, false)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if report.Released != 1 {
		t.Fatalf("released = %d, want 1", report.Released)
	}
	l, _ = mem.GetLedger(ctx, "vk:a")
	if l.ReservedTokens != 0 {
		t.Fatalf("ledger after reap = %+v, want reserved 0", l)
	}
}
