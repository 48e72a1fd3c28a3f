package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":{"y":"x","z":true},"b":1}`
	if string(a) != want {
		t.Fatalf("canonical = %s, want %s", a, want)
	}
}

func TestUpsertKeyIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	k := VirtualKey{ID: "vk1", Token: "tok-1", Enabled: true}
	if err := m.UpsertKey(ctx, k); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	if err := m.UpsertKey(ctx, k); err != nil {
		t.Fatalf("UpsertKey again: %v", err)
	}

	keys, err := m.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key after double upsert, got %d", len(keys))
	}
}

func TestUpsertKeyRotatesTokenIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.UpsertKey(ctx, VirtualKey{ID: "vk1", Token: "old", Enabled: true}); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	if err := m.UpsertKey(ctx, VirtualKey{ID: "vk1", Token: "new", Enabled: true}); err != nil {
		t.Fatalf("UpsertKey rotate: %v", err)
	}

	if _, ok, _ := m.GetKeyByToken(ctx, "old"); ok {
		t.Fatal("old token still resolves after rotation")
	}
	k, ok, _ := m.GetKeyByToken(ctx, "new")
	if !ok || k.ID != "vk1" {
		t.Fatalf("new token lookup = (%v, %v)", k, ok)
	}
}

func TestRetainKeysDropsUnlisted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.UpsertKey(ctx, VirtualKey{ID: id, Token: "tok-" + id}); err != nil {
			t.Fatalf("UpsertKey %s: %v", id, err)
		}
	}
	if err := m.RetainKeys(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("RetainKeys: %v", err)
	}

	keys, _ := m.ListKeys(ctx)
	if len(keys) != 2 || keys[0].ID != "a" || keys[1].ID != "c" {
		t.Fatalf("retained keys = %+v", keys)
	}
	if _, ok, _ := m.GetKeyByToken(ctx, "tok-b"); ok {
		t.Fatal("dropped key still resolves by token")
	}
}

func TestRateIncrRejectsOverLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.IncrRequests(ctx, "vk:a", 100, 2); err != nil {
			t.Fatalf("IncrRequests %d: %v", i, err)
		}
	}
	if _, err := m.IncrRequests(ctx, "vk:a", 100, 2); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// The rejected increment must not have consumed the counter.
	reqs, _, err := m.WindowCounts(ctx, "vk:a", 100)
	if err != nil {
		t.Fatalf("WindowCounts: %v", err)
	}
	if reqs != 2 {
		t.Fatalf("requests = %d after rejected incr, want 2", reqs)
	}
}

func TestRateWindowsAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.IncrRequests(ctx, "vk:a", 100, 1); err != nil {
		t.Fatalf("window 100: %v", err)
	}
	// New minute window — the prior count must not carry over.
	if _, err := m.IncrRequests(ctx, "vk:a", 101, 1); err != nil {
		t.Fatalf("window 101: %v", err)
	}
}

func TestReserveCommitIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res := Reservation{ID: "req-1", ScopeKey: "vk:a", Tokens: 100, USDMicros: 50, CreatedMs: 1}
	caps := Budget{TotalTokens: 1000}
	if err := m.Reserve(ctx, res, caps); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Reserve(ctx, res, caps); err != nil {
		t.Fatalf("Reserve repeat: %v", err)
	}

	l, _ := m.GetLedger(ctx, "vk:a")
	if l.ReservedTokens != 100 {
		t.Fatalf("reserved = %d after double reserve, want 100", l.ReservedTokens)
	}

	if err := m.Commit(ctx, "req-1", 40, 20); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.Commit(ctx, "req-1", 40, 20); err != nil {
		t.Fatalf("Commit repeat: %v", err)
	}

	l, _ = m.GetLedger(ctx, "vk:a")
	if l.SpentTokens != 40 || l.ReservedTokens != 0 {
		t.Fatalf("ledger after commit = %+v, want spent 40 reserved 0", l)
	}
	if l.SpentUSDMicros != 20 || l.ReservedUSDMicros != 0 {
		t.Fatalf("usd ledger after commit = %+v", l)
	}

	// Rollback after commit must be a no-op.
	if err := m.Rollback(ctx, "req-1"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	l, _ = m.GetLedger(ctx, "vk:a")
	if l.SpentTokens != 40 {
		t.Fatalf("rollback after commit mutated ledger: %+v", l)
	}
}

func TestReserveRejectsOverCap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Reserve(ctx, Reservation{ID: "a", ScopeKey: "vk:a", Tokens: 80}, Budget{TotalTokens: 100}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := m.Reserve(ctx, Reservation{ID: "b", ScopeKey: "vk:a", Tokens: 30}, Budget{TotalTokens: 100})
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}

	l, _ := m.GetLedger(ctx, "vk:a")
	if l.ReservedTokens != 80 {
		t.Fatalf("rejected reserve mutated ledger: %+v", l)
	}
}

func TestReaperListsOnlyLiveOldReservations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Reserve(ctx, Reservation{ID: "old", ScopeKey: "vk:a", Tokens: 1, CreatedMs: 10}, Budget{})
	_ = m.Reserve(ctx, Reservation{ID: "new", ScopeKey: "vk:a", Tokens: 1, CreatedMs: 100}, Budget{})
	_ = m.Reserve(ctx, Reservation{ID: "done", ScopeKey: "vk:a", Tokens: 1, CreatedMs: 5}, Budget{})
	_ = m.Commit(ctx, "done", 1, 0)

	got, err := m.ListReservationsOlderThan(ctx, 50, 10)
	if err != nil {
		t.Fatalf("ListReservationsOlderThan: %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("reaper scan = %+v, want only 'old'", got)
	}
}

func TestAuditChain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.AppendAudit(ctx, "test_event", map[string]any{"seq": i}); err != nil {
			t.Fatalf("AppendAudit %d: %v", i, err)
		}
	}

	records, err := m.ListAudit(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if bad := VerifyChain(records); bad != -1 {
		t.Fatalf("chain broken at record %d", bad)
	}
	for i := 1; i < len(records); i++ {
		if records[i].PrevHash != records[i-1].Hash {
			t.Fatalf("record %d prev_hash mismatch", i)
		}
	}

	var buf bytes.Buffer
	if err := m.ExportAuditJSONL(ctx, &buf, 0, 0); err != nil {
		t.Fatalf("ExportAuditJSONL: %v", err)
	}
	if got := bytes.Count(buf.Bytes(), []byte("\n")); got != 5 {
		t.Fatalf("export lines = %d, want 5", got)
	}
}

func TestAuditRetention(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.AppendAudit(ctx, "ev", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	deleted, err := m.DeleteAuditOlderThan(ctx, rec.TsMs+1)
	if err != nil {
		t.Fatalf("DeleteAuditOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
