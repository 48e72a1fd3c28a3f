package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/internal/config"
	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

func TestRequestIDReusedWhenValid(t *testing.T) {
	up := startUpstream(t, chatOKHandler(1, 1))
	env := newTestEnv(t, singleBackendConfig(up))

	headers := map[string]string{"x-request-id": "client-id-42"}
	resp, release := env.do(t, "POST", "/v1/chat/completions", headers, chatBody)
	defer release()

	if got := string(resp.Header.Peek("x-ditto-request-id")); got != "client-id-42" {
		t.Fatalf("request id = %q, want reused client id", got)
	}
	if got := string(resp.Header.Peek("x-request-id")); got != "client-id-42" {
		t.Fatalf("x-request-id = %q", got)
	}
}

func TestRequestIDReplacedWhenInvalid(t *testing.T) {
	up := startUpstream(t, chatOKHandler(1, 1))
	env := newTestEnv(t, singleBackendConfig(up))

	headers := map[string]string{"x-request-id": "has spaces and ünicode"}
	resp, release := env.do(t, "POST", "/v1/chat/completions", headers, chatBody)
	defer release()

	got := string(resp.Header.Peek("x-ditto-request-id"))
	if !strings.HasPrefix(got, "ditto-") {
		t.Fatalf("request id = %q, want generated ditto-<ts>-<seq>", got)
	}
}

func TestParseUsageShapes(t *testing.T) {
	u, ok := parseUsage([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	if !ok || u.InputTokens != 3 || u.OutputTokens != 4 {
		t.Fatalf("chat usage = %+v ok=%v", u, ok)
	}

	u, ok = parseUsage([]byte(`{"usage":{"input_tokens":5,"output_tokens":6}}`))
	if !ok || u.InputTokens != 5 || u.OutputTokens != 6 {
		t.Fatalf("responses usage = %+v", u)
	}

	u, ok = parseUsage([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":1,"prompt_tokens_details":{"cached_tokens":4}},"service_tier":"flex"}`))
	if !ok || u.CacheReadInput != 4 || u.ServiceTier != "flex" {
		t.Fatalf("cached usage = %+v", u)
	}

	if _, ok = parseUsage([]byte(`{"no_usage":true}`)); ok {
		t.Fatal("usage found where none exists")
	}
}

func TestReadBoundedLineCap(t *testing.T) {
	long := strings.Repeat("x", 4096) + "\n"
	r := bufio.NewReaderSize(strings.NewReader(long), 64)

	if _, err := readBoundedLine(r, 1024); err != io.ErrShortBuffer {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}

	r = bufio.NewReaderSize(strings.NewReader("short\n"), 64)
	line, err := readBoundedLine(r, 1024)
	if err != nil || string(line) != "short\n" {
		t.Fatalf("line = %q, err = %v", line, err)
	}
}

func TestReadUpToOverflow(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 1000)
	buf, err := readUpTo(bytes.NewReader(data), 100)
	if err != nil {
		t.Fatalf("readUpTo: %v", err)
	}
	if buf.complete {
		t.Fatal("overflowing body reported complete")
	}
	rest, _ := io.ReadAll(buf.overflow)
	if len(buf.data)+len(rest) != 1000 {
		t.Fatalf("lost bytes: prefix %d + rest %d", len(buf.data), len(rest))
	}

	buf, err = readUpTo(bytes.NewReader(data), 1000)
	if err != nil || !buf.complete {
		t.Fatalf("at-cap read: complete=%v err=%v", buf.complete, err)
	}
}

func TestGuardrailBlockedEndToEnd(t *testing.T) {
	up := startUpstream(t, chatOKHandler(1, 1))
	key := vk1()
	key.Limits = store.Limits{}
	key.Guardrails = store.GuardrailSettings{BannedPhrases: []string{"forbidden"}}
	env := newTestEnv(t, singleBackendConfig(up), key)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"this is FORBIDDEN text"}]}`
	resp, release := env.do(t, "POST", "/v1/chat/completions", authHeader(), body)
	defer release()

	if resp.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode())
	}
	if !strings.Contains(string(resp.Body()), "invalid_request_error") {
		t.Fatalf("body = %s", resp.Body())
	}
	if up.Calls.Load() != 0 {
		t.Fatal("guardrail-blocked request reached upstream")
	}

	// The rejection landed in the audit chain.
	records, err := env.store.ListAudit(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.Kind == "guardrail_blocked" {
			found = true
		}
	}
	if !found {
		t.Fatal("no guardrail_blocked audit record")
	}
}

func backendConfig(name, url string) config.BackendConfig {
	return config.BackendConfig{Name: name, BaseURL: url}
}

func TestForcedRoute(t *testing.T) {
	a := startUpstream(t, chatOKHandler(1, 1))
	b := startUpstream(t, chatOKHandler(1, 1))

	cfg := singleBackendConfig(a)
	cfg.Backends = append(cfg.Backends, backendConfig("B2", b.URL))

	key := vk1()
	key.Limits = store.Limits{}
	key.Route = "B2"
	env := newTestEnv(t, cfg, key)

	resp, release := env.do(t, "POST", "/v1/chat/completions", authHeader(), chatBody)
	defer release()
	if got := string(resp.Header.Peek("x-ditto-backend")); got != "B2" {
		t.Fatalf("x-ditto-backend = %q, want forced B2", got)
	}
	if a.Calls.Load() != 0 {
		t.Fatal("default backend called despite forced route")
	}
}

func TestModelMapRewrite(t *testing.T) {
	var seenModel strings.Builder
	up := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		seenModel.Reset()
		seenModel.Write(ctx.PostBody())
		chatOKHandler(1, 1)(ctx)
	})
	cfg := singleBackendConfig(up)
	cfg.Backends[0].ModelMap = map[string]string{"*": "llama-3.1-8b"}
	env := newTestEnv(t, cfg)

	resp, release := env.do(t, "POST", "/v1/chat/completions", nil, chatBody)
	defer release()
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if !strings.Contains(seenModel.String(), `"model":"llama-3.1-8b"`) {
		t.Fatalf("upstream body = %s, want rewritten model", seenModel.String())
	}
}
