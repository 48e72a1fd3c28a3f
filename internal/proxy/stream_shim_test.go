package proxy

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// sseHandler emits n content chunks followed by a final usage chunk and
// [DONE], flushing each chunk separately.
func sseHandler(n int) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/event-stream")
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			for i := 0; i < n; i++ {
				fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-s\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"chunk-%d\"}}]}\n\n", i)
				w.Flush() //nolint:errcheck
			}
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-s\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":5,\"total_tokens\":12}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		})
	}
}

func TestSSEStreamingIntegrity(t *testing.T) {
	up := startUpstream(t, sseHandler(10))
	key := vk1()
	key.Limits = store.Limits{}
	key.Cache = store.CacheOptions{Enabled: true}
	env := newTestEnv(t, singleBackendConfig(up), key)

	body := `{"model":"gpt-4o-mini","stream":true,"max_tokens":20,"messages":[{"role":"user","content":"hi"}]}`
	resp, release := env.do(t, "POST", "/v1/chat/completions", authHeader(), body)
	defer release()

	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if ct := string(resp.Header.ContentType()); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	// All chunks present, in upstream order.
	text := string(resp.Body())
	last := -1
	for i := 0; i < 10; i++ {
		idx := strings.Index(text, fmt.Sprintf("chunk-%d", i))
		if idx < 0 {
			t.Fatalf("chunk-%d missing from stream", i)
		}
		if idx < last {
			t.Fatalf("chunk-%d out of order", i)
		}
		last = idx
	}
	if !strings.Contains(text, "[DONE]") {
		t.Fatal("missing [DONE] terminator")
	}

	// Reservation committed with the usage from the final chunk.
	waitFor(t, func() bool {
		l, _ := env.store.GetLedger(context.Background(), "vk:vk1")
		return l.SpentTokens == 12 && l.ReservedTokens == 0
	}, "stream settlement")

	// SSE responses are never cached: an identical request hits upstream.
	resp2, release2 := env.do(t, "POST", "/v1/chat/completions", authHeader(), body)
	defer release2()
	if len(resp2.Header.Peek("x-ditto-cache")) != 0 {
		t.Fatal("SSE response served from cache")
	}
	if up.Calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", up.Calls.Load())
	}
}

func TestSSEWithoutUsageSettlesEstimate(t *testing.T) {
	up := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/event-stream")
		ctx.SetBodyString("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\n")
	})
	key := vk1()
	key.Limits = store.Limits{}
	env := newTestEnv(t, singleBackendConfig(up), key)

	body := `{"model":"gpt-4o-mini","stream":true,"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	resp, release := env.do(t, "POST", "/v1/chat/completions", authHeader(), body)
	defer release()
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}

	// No usage in the stream: the pre-estimate (est 4 + max 10) settles.
	waitFor(t, func() bool {
		l, _ := env.store.GetLedger(context.Background(), "vk:vk1")
		return l.SpentTokens == 14 && l.ReservedTokens == 0
	}, "estimate settlement")
}

// ── Responses shim ────────────────────────────────────────────────────────────

func TestResponsesShim(t *testing.T) {
	up := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/v1/responses":
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		case "/v1/chat/completions":
			chatOKHandler(7, 5)(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusTeapot)
		}
	})
	key := vk1()
	key.Limits = store.Limits{}
	env := newTestEnv(t, singleBackendConfig(up), key)

	body := `{"model":"gpt-4o-mini","input":"hi","max_output_tokens":20}`
	resp, release := env.do(t, "POST", "/v1/responses", authHeader(), body)
	defer release()

	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode(), resp.Body())
	}
	if got := string(resp.Header.Peek("x-ditto-shim")); got != "responses_via_chat_completions" {
		t.Fatalf("x-ditto-shim = %q", got)
	}
	text := string(resp.Body())
	if !strings.Contains(text, `"object":"response"`) {
		t.Fatalf("body not translated: %s", text)
	}
	if !strings.Contains(text, `"text":"hello"`) {
		t.Fatalf("output text missing: %s", text)
	}
	if up.Calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (native try + shim)", up.Calls.Load())
	}
}

func TestResponsesNativePassesThrough(t *testing.T) {
	up := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"resp_native","object":"response","output":[],"usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}`)
	})
	key := vk1()
	key.Limits = store.Limits{}
	env := newTestEnv(t, singleBackendConfig(up), key)

	resp, release := env.do(t, "POST", "/v1/responses", authHeader(),
		`{"model":"gpt-4o-mini","input":"hi"}`)
	defer release()

	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if len(resp.Header.Peek("x-ditto-shim")) != 0 {
		t.Fatal("shim header set on native response")
	}
	if !strings.Contains(string(resp.Body()), "resp_native") {
		t.Fatalf("body = %s", resp.Body())
	}
}

// ── Responses→chat translation units ──────────────────────────────────────────

func TestResponsesToChatBody(t *testing.T) {
	body := []byte(`{"model":"gpt-4o-mini","instructions":"be brief","input":[{"role":"user","content":[{"type":"input_text","text":"hi"}]}],"max_output_tokens":64}`)
	chat, err := responsesToChatBody(body)
	if err != nil {
		t.Fatalf("responsesToChatBody: %v", err)
	}
	text := string(chat)
	for _, want := range []string{
		`"model":"gpt-4o-mini"`,
		`"role":"system"`, `"content":"be brief"`,
		`"role":"user"`, `"content":"hi"`,
		`"max_tokens":64`,
		`"stream":false`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("chat body missing %s: %s", want, text)
		}
	}
}

func TestChatToResponsesBody(t *testing.T) {
	chat := []byte(`{"id":"c1","object":"chat.completion","created":1712000000,"model":"m",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"out"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`)
	out, u, err := chatToResponsesBody(chat)
	if err != nil {
		t.Fatalf("chatToResponsesBody: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		`"object":"response"`, `"id":"resp_c1"`,
		`"type":"output_text"`, `"text":"out"`,
		`"input_tokens":3`, `"output_tokens":4`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("translated body missing %s: %s", want, text)
		}
	}
	if !u.FromUpstream || u.InputTokens != 3 || u.OutputTokens != 4 {
		t.Fatalf("usage = %+v", u)
	}
}

// ── Body size boundary ────────────────────────────────────────────────────────

func TestBodyAtMaxAcceptedOverMaxRejected(t *testing.T) {
	up := startUpstream(t, chatOKHandler(1, 1))
	cfg := singleBackendConfig(up)
	cfg.Proxy.MaxBodyBytes = 2048
	env := newTestEnv(t, cfg) // empty registry: no auth needed

	pad := func(n int) string {
		prefix := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"`
		suffix := `"}]}`
		return prefix + strings.Repeat("a", n-len(prefix)-len(suffix)) + suffix
	}

	resp, release := env.do(t, "POST", "/v1/chat/completions", nil, pad(2048))
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("at-max status = %d", resp.StatusCode())
	}
	release()

	resp, release = env.do(t, "POST", "/v1/chat/completions", nil, pad(2049))
	defer release()
	if resp.StatusCode() != fasthttp.StatusRequestEntityTooLarge {
		t.Fatalf("over-max status = %d, want 413", resp.StatusCode())
	}
}
