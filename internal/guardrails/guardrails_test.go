package guardrails

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

func compile(t *testing.T, s store.GuardrailSettings) *Rails {
	t.Helper()
	r, err := Compile(s)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return r
}

const chatPath = "/v1/chat/completions"

func TestModelAllowDeny(t *testing.T) {
	r := compile(t, store.GuardrailSettings{
		AllowModels: []string{"gpt-4o*", "claude-sonnet-4-5"},
		DenyModels:  []string{"gpt-4o-realtime*"},
	})

	if rej := r.Check(chatPath, nil, "gpt-4o-mini", 0); rej != nil {
		t.Fatalf("allowed model rejected: %v", rej)
	}
	if rej := r.Check(chatPath, nil, "claude-sonnet-4-5", 0); rej != nil {
		t.Fatalf("exact allowed model rejected: %v", rej)
	}

	rej := r.Check(chatPath, nil, "gpt-4o-realtime-preview", 0)
	if rej == nil || !strings.HasPrefix(rej.Reason, "deny_model:") {
		t.Fatalf("deny list did not fire: %v", rej)
	}

	rej = r.Check(chatPath, nil, "o3-mini", 0)
	if rej == nil || !strings.HasPrefix(rej.Reason, "model_not_allowed:") {
		t.Fatalf("allow list did not fire: %v", rej)
	}

	// Model-less requests are not model-governed.
	if rej := r.Check("/v1/files", nil, "", 0); rej != nil {
		t.Fatalf("empty model rejected: %v", rej)
	}
}

func TestBannedPhrasesCaseInsensitive(t *testing.T) {
	r := compile(t, store.GuardrailSettings{BannedPhrases: []string{"Secret Project"}})

	body := []byte(`{"messages":[{"role":"user","content":"tell me about the SECRET project"}]}`)
	rej := r.Check(chatPath, body, "gpt-4o", 0)
	if rej == nil || !strings.HasPrefix(rej.Reason, "banned_phrase:") {
		t.Fatalf("banned phrase not caught: %v", rej)
	}

	clean := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
	if rej := r.Check(chatPath, clean, "gpt-4o", 0); rej != nil {
		t.Fatalf("clean body rejected: %v", rej)
	}
}

func TestBannedPatternScansContentParts(t *testing.T) {
	r := compile(t, store.GuardrailSettings{BannedPatterns: []string{`cred(ential)?s?\s+dump`}})

	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"do a creds dump"}]}]}`)
	if rej := r.Check(chatPath, body, "gpt-4o", 0); rej == nil {
		t.Fatal("pattern in content part not caught")
	}
}

func TestPIIHeuristic(t *testing.T) {
	r := compile(t, store.GuardrailSettings{BlockPII: true})

	for _, body := range []string{
		`{"prompt":"my email is alice@example.com"}`,
		`{"prompt":"ssn 123-45-6789"}`,
	} {
		if rej := r.Check("/v1/completions", []byte(body), "gpt-4o", 0); rej == nil || rej.Reason != "pii_detected" {
			t.Fatalf("pii not caught in %s: %v", body, rej)
		}
	}
	if rej := r.Check("/v1/completions", []byte(`{"prompt":"hello there"}`), "gpt-4o", 0); rej != nil {
		t.Fatalf("clean prompt rejected: %v", rej)
	}
}

func TestInputTokenCap(t *testing.T) {
	r := compile(t, store.GuardrailSettings{MaxInputTokens: 100})

	if rej := r.Check(chatPath, nil, "gpt-4o", 100); rej != nil {
		t.Fatalf("at-cap estimate rejected: %v", rej)
	}
	rej := r.Check(chatPath, nil, "gpt-4o", 101)
	if rej == nil || rej.Reason != "input_tokens>100" {
		t.Fatalf("over-cap estimate not rejected: %v", rej)
	}
}

func TestSchemaShape(t *testing.T) {
	r := compile(t, store.GuardrailSettings{ValidateSchema: true})

	cases := []struct {
		path string
		body string
		ok   bool
	}{
		{chatPath, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, true},
		{chatPath, `{"model":"m"}`, false},
		{chatPath, `{"model":"m","messages":"nope"}`, false},
		{"/v1/embeddings", `{"model":"m","input":"text"}`, true},
		{"/v1/embeddings", `{"model":"m"}`, false},
		{"/v1/moderations", `{"input":"text"}`, true},
		{"/v1/rerank", `{"model":"m","query":"q","documents":["a"]}`, true},
		{"/v1/rerank", `{"model":"m","query":"q","documents":"a"}`, false},
		// Unrecognized endpoints are not shape-checked.
		{"/v1/some/custom", `not even json`, true},
	}
	for _, tc := range cases {
		rej := r.Check(tc.path, []byte(tc.body), "", 0)
		if (rej == nil) != tc.ok {
			t.Errorf("%s %s: rejection = %v, want ok=%v", tc.path, tc.body, rej, tc.ok)
		}
	}
}

func TestCompileRejectsBadRegex(t *testing.T) {
	_, err := Compile(store.GuardrailSettings{BannedPatterns: []string{"("}})
	if err == nil {
		t.Fatal("invalid regex accepted")
	}
}

func TestEmptyRails(t *testing.T) {
	var r *Rails
	if !r.Empty() {
		t.Fatal("nil rails not empty")
	}
	if rej := r.Check(chatPath, []byte(`{}`), "m", 10); rej != nil {
		t.Fatalf("nil rails rejected: %v", rej)
	}
}
