package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "ditto.db"), 0)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteKeyRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	key := VirtualKey{
		ID: "vk1", Token: "secret", Enabled: true,
		Limits: Limits{RPM: 5},
		Budget: Budget{TotalTokens: 100},
	}
	if err := s.UpsertKey(ctx, key); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	// Upsert is idempotent by id.
	key.Token = "rotated"
	if err := s.UpsertKey(ctx, key); err != nil {
		t.Fatalf("UpsertKey rotate: %v", err)
	}

	keys, err := s.ListKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListKeys = (%v, %v)", keys, err)
	}
	got, ok, err := s.GetKeyByToken(ctx, "rotated")
	if err != nil || !ok || got.Limits.RPM != 5 {
		t.Fatalf("GetKeyByToken = (%+v, %v, %v)", got, ok, err)
	}
	if _, ok, _ := s.GetKeyByToken(ctx, "secret"); ok {
		t.Fatal("old token still resolves")
	}
}

func TestSQLiteRateCounters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.IncrRequests(ctx, "vk:a", 7, 2); err != nil {
			t.Fatalf("IncrRequests %d: %v", i, err)
		}
	}
	if _, err := s.IncrRequests(ctx, "vk:a", 7, 2); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	if _, err := s.IncrTokens(ctx, "vk:a", 7, 50, 100); err != nil {
		t.Fatalf("IncrTokens: %v", err)
	}
	if err := s.ReleaseTokens(ctx, "vk:a", 7, 50); err != nil {
		t.Fatalf("ReleaseTokens: %v", err)
	}
	reqs, toks, err := s.WindowCounts(ctx, "vk:a", 7)
	if err != nil || reqs != 2 || toks != 0 {
		t.Fatalf("counts = (%d, %d, %v)", reqs, toks, err)
	}
}

func TestSQLiteBudgetProtocol(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	caps := Budget{TotalTokens: 100, TotalUSDMicros: 1000}

	res := Reservation{ID: "r1", ScopeKey: "vk:a", Tokens: 60, USDMicros: 600, CreatedMs: 5}
	if err := s.Reserve(ctx, res, caps); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Reserve(ctx, res, caps); err != nil {
		t.Fatalf("Reserve repeat: %v", err)
	}
	err := s.Reserve(ctx, Reservation{ID: "r2", ScopeKey: "vk:a", Tokens: 50}, caps)
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}

	if err := s.Commit(ctx, "r1", 25, 250); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit(ctx, "r1", 25, 250); err != nil {
		t.Fatalf("Commit repeat: %v", err)
	}
	l, _ := s.GetLedger(ctx, "vk:a")
	if l.SpentTokens != 25 || l.ReservedTokens != 0 || l.SpentUSDMicros != 250 || l.ReservedUSDMicros != 0 {
		t.Fatalf("ledger = %+v", l)
	}

	// Reaper scan sees only live reservations.
	_ = s.Reserve(ctx, Reservation{ID: "old", ScopeKey: "vk:a", Tokens: 10, CreatedMs: 1}, caps)
	stale, err := s.ListReservationsOlderThan(ctx, 100, 0)
	if err != nil || len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("stale = (%+v, %v)", stale, err)
	}
}

func TestSQLiteAuditChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ditto.db")
	ctx := context.Background()

	s, err := NewSQLite(path, 0)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendAudit(ctx, "ev", map[string]any{"i": i}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = s.Close()

	// Reopen: the chain continues from the persisted tail.
	s, err = NewSQLite(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.AppendAudit(ctx, "ev", map[string]any{"i": 3}); err != nil {
		t.Fatalf("AppendAudit after reopen: %v", err)
	}

	records, err := s.ListAudit(ctx, 0, 0, 0)
	if err != nil || len(records) != 4 {
		t.Fatalf("records = (%d, %v)", len(records), err)
	}
	if bad := VerifyChain(records); bad != -1 {
		t.Fatalf("chain broken at %d", bad)
	}
}

func TestSQLiteCache(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.CachePut(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	got, ok := s.CacheGet(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("CacheGet = (%s, %v)", got, ok)
	}
	n, err := s.CachePurgeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CachePurgeAll = (%d, %v)", n, err)
	}
}
