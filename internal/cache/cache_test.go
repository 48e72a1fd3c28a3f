package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

func TestKeyIsScopeIsolated(t *testing.T) {
	body := []byte(`{"model":"gpt-4o-mini"}`)
	a := Key("POST", "/v1/chat/completions", body, "vk:a")
	b := Key("POST", "/v1/chat/completions", body, "vk:b")
	if a == b {
		t.Fatal("different scopes produced the same key")
	}
	if !strings.HasPrefix(a, "h1:") {
		t.Fatalf("key %q missing version prefix", a)
	}
	if a != Key("POST", "/v1/chat/completions", body, "vk:a") {
		t.Fatal("key not deterministic")
	}
}

func TestScopeDerivation(t *testing.T) {
	if got := Scope("team-a", "Bearer x", ""); got != "vk:team-a" {
		t.Fatalf("scope = %q", got)
	}
	authScope := Scope("", "Bearer client-token", "")
	if !strings.HasPrefix(authScope, "auth:") {
		t.Fatalf("scope = %q", authScope)
	}
	apiScope := Scope("", "", "sk-raw")
	if !strings.HasPrefix(apiScope, "x-api-key:") {
		t.Fatalf("scope = %q", apiScope)
	}
	if got := Scope("", "", ""); got != "public" {
		t.Fatalf("scope = %q", got)
	}
}

func TestResponseEligibility(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		contentType string
		bytes       int
		cap         int
		want        bool
	}{
		{"ok json", 200, "application/json", 100, 1000, true},
		{"5xx", 503, "application/json", 100, 1000, false},
		{"redirect", 302, "application/json", 100, 1000, false},
		{"sse", 200, "text/event-stream", 100, 1000, false},
		{"sse charset", 200, "Text/Event-Stream; charset=utf-8", 100, 1000, false},
		{"at cap", 200, "application/json", 1000, 1000, true},
		{"over cap", 200, "application/json", 1001, 1000, false},
	}
	for _, tc := range cases {
		if got := ResponseEligible(tc.status, tc.contentType, tc.bytes, tc.cap); got != tc.want {
			t.Errorf("%s: eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRequestBypass(t *testing.T) {
	if !RequestBypassesCache("no-store", false) {
		t.Fatal("no-store should bypass")
	}
	if !RequestBypassesCache("No-Cache", false) {
		t.Fatal("no-cache should bypass")
	}
	if !RequestBypassesCache("", true) {
		t.Fatal("bypass header should bypass")
	}
	if RequestBypassesCache("max-age=60", false) {
		t.Fatal("max-age should not bypass")
	}
}

func TestL1EvictsLRUOverBudget(t *testing.T) {
	c := NewL1(300, 200)
	body := make([]byte, 100)

	c.Put("a", &Entry{Status: 200, Body: body}, time.Minute)
	c.Put("b", &Entry{Status: 200, Body: body}, time.Minute)
	c.Put("c", &Entry{Status: 200, Body: body}, time.Minute)
	if c.TotalBytes() != 300 {
		t.Fatalf("total = %d, want 300", c.TotalBytes())
	}

	// Touch "a" so "b" becomes the LRU victim.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}
	c.Put("d", &Entry{Status: 200, Body: body}, time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
	if c.TotalBytes() > 300 {
		t.Fatalf("total = %d exceeds budget", c.TotalBytes())
	}
}

func TestL1RejectsOversizedEntry(t *testing.T) {
	c := NewL1(1000, 100)
	c.Put("big", &Entry{Status: 200, Body: make([]byte, 101)}, time.Minute)
	if _, ok := c.Get("big"); ok {
		t.Fatal("oversized entry was stored")
	}
	c.Put("fits", &Entry{Status: 200, Body: make([]byte, 100)}, time.Minute)
	if _, ok := c.Get("fits"); !ok {
		t.Fatal("at-cap entry was rejected")
	}
}

func TestL1TTLExpiry(t *testing.T) {
	c := NewL1(0, 0)
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	c.Put("k", &Entry{Status: 200, Body: []byte("x")}, time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry still accounted: len=%d", c.Len())
	}
}

func TestLayeredPromotesSharedHit(t *testing.T) {
	mem := store.NewMemory()
	c := NewLayered(NewL1(0, 0), mem, nil)
	ctx := context.Background()

	entry := &Entry{Status: 200, Headers: map[string]string{"Content-Type": "application/json"}, Body: []byte(`{"ok":true}`)}
	raw, err := entry.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Seed only the shared tier, as another replica would have.
	if err := mem.CachePut(ctx, "k", raw, time.Minute); err != nil {
		t.Fatalf("CachePut: %v", err)
	}

	got, source, ok := c.Get(ctx, "k", time.Minute)
	if !ok || source != SourceShared {
		t.Fatalf("get = (%v, %q, %v), want shared hit", got, source, ok)
	}
	if string(got.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", got.Body)
	}

	// Second lookup is served from memory.
	_, source, ok = c.Get(ctx, "k", time.Minute)
	if !ok || source != SourceMemory {
		t.Fatalf("second get source = %q, want memory", source)
	}
}

func TestLayeredWriteThroughAndPurge(t *testing.T) {
	mem := store.NewMemory()
	c := NewLayered(NewL1(0, 0), mem, nil)
	ctx := context.Background()

	c.Put(ctx, "k", &Entry{Status: 200, Body: []byte("v")}, time.Minute)
	if _, ok := mem.CacheGet(ctx, "k"); !ok {
		t.Fatal("put did not write through to shared tier")
	}

	n := c.Purge(ctx)
	if n != 2 { // one L1 entry + one shared entry
		t.Fatalf("purged = %d, want 2", n)
	}
	if _, _, ok := c.Get(ctx, "k", time.Minute); ok {
		t.Fatal("hit after purge")
	}
}
