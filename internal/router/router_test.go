package router

import (
	"reflect"
	"testing"
)

func TestSelectIsDeterministic(t *testing.T) {
	r := New(Config{
		DefaultBackends: []Backend{
			{Name: "a", Weight: 1}, {Name: "b", Weight: 2}, {Name: "c", Weight: 3},
		},
	})

	first := r.Select("gpt-4o-mini", "req-123", "")
	for i := 0; i < 50; i++ {
		if got := r.Select("gpt-4o-mini", "req-123", ""); !reflect.DeepEqual(got, first) {
			t.Fatalf("selection not deterministic: %v vs %v", got, first)
		}
	}
	if len(first) != 3 {
		t.Fatalf("expected full permutation, got %v", first)
	}
}

func TestSelectCoversAllCandidatesOnce(t *testing.T) {
	r := New(Config{
		DefaultBackends: []Backend{
			{Name: "a", Weight: 9}, {Name: "b", Weight: 1},
			{Name: "b", Weight: 1}, // duplicate, must collapse
			{Name: "", Weight: 5},  // empty name filtered
			{Name: "z", Weight: 0}, // zero weight filtered
		},
	})
	out := r.Select("m", "req-1", "")
	if len(out) != 2 {
		t.Fatalf("candidates = %v, want exactly a and b", out)
	}
	seen := map[string]bool{}
	for _, name := range out {
		if seen[name] {
			t.Fatalf("duplicate %q in %v", name, out)
		}
		seen[name] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("missing candidate in %v", out)
	}
}

func TestWeightBiasesPrimary(t *testing.T) {
	r := New(Config{
		DefaultBackends: []Backend{{Name: "heavy", Weight: 9}, {Name: "light", Weight: 1}},
	})

	heavy := 0
	const n = 2000
	for i := 0; i < n; i++ {
		out := r.Select("m", reqID(i), "")
		if out[0] == "heavy" {
			heavy++
		}
	}
	// Expect roughly 90%; allow generous slack since request ids are not
	// uniform samples.
	if heavy < n*8/10 {
		t.Fatalf("heavy selected %d/%d times, expected ~90%%", heavy, n)
	}
}

func reqID(i int) string {
	return "ditto-1712000000000-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
}

func TestForcedRouteBypassesRules(t *testing.T) {
	r := New(Config{
		DefaultBackends: []Backend{{Name: "a", Weight: 1}},
		Rules: []Rule{
			{ModelPrefix: "gpt-", Backends: []Backend{{Name: "b", Weight: 1}}},
		},
	})
	out := r.Select("gpt-4o", "req-1", "pinned")
	if len(out) != 1 || out[0] != "pinned" {
		t.Fatalf("forced route = %v, want [pinned]", out)
	}
}

func TestExactRuleBeatsPrefixRule(t *testing.T) {
	r := New(Config{
		DefaultBackends: []Backend{{Name: "default", Weight: 1}},
		Rules: []Rule{
			{ModelPrefix: "gpt-", Backend: "prefix"},
			{ModelPrefix: "gpt-4o-mini", Exact: true, Backend: "exact"},
		},
	})
	out := r.Select("gpt-4o-mini", "req-1", "")
	if len(out) != 1 || out[0] != "exact" {
		t.Fatalf("selection = %v, want [exact]", out)
	}
	out = r.Select("gpt-4o", "req-1", "")
	if len(out) != 1 || out[0] != "prefix" {
		t.Fatalf("selection = %v, want [prefix]", out)
	}
}

func TestPrefixWildcardTolerated(t *testing.T) {
	rule := Rule{ModelPrefix: "claude-*"}
	if !rule.Matches("claude-sonnet-4-5") {
		t.Fatal("wildcard prefix did not match")
	}
	if rule.Matches("gpt-4o") {
		t.Fatal("wildcard prefix matched wrong model")
	}
}

func TestNoBackendsConfigured(t *testing.T) {
	r := New(Config{})
	if out := r.Select("m", "req-1", ""); len(out) != 0 {
		t.Fatalf("expected empty selection, got %v", out)
	}
}
