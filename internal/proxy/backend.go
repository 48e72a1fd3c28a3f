package proxy

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/ditto-gateway/internal/config"
)

// Backend is the runtime handle for one upstream target: its config, a
// dedicated streaming HTTP client, and an optional concurrency permit.
type Backend struct {
	cfg    config.BackendConfig
	client *fasthttp.Client
	sem    *semaphore.Weighted // nil = unlimited
}

func newBackend(cfg config.BackendConfig) *Backend {
	b := &Backend{
		cfg: cfg,
		client: &fasthttp.Client{
			// Stream response bodies so SSE passes through unbuffered and
			// large payloads never land in memory wholesale.
			StreamResponseBody:  true,
			ReadTimeout:         cfg.Timeout(),
			WriteTimeout:        cfg.Timeout(),
			MaxIdleConnDuration: time.Minute,
		},
	}
	if cfg.MaxInFlight > 0 {
		b.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return b
}

func (b *Backend) Name() string { return b.cfg.Name }

// TryAcquire takes a concurrency permit; the caller must Release after the
// response body is fully drained.
func (b *Backend) TryAcquire() bool {
	if b.sem == nil {
		return true
	}
	return b.sem.TryAcquire(1)
}

func (b *Backend) Release() {
	if b.sem != nil {
		b.sem.Release(1)
	}
}

// MapModel applies the backend's model_map. The "*" wildcard rewrites any
// model, including an empty one.
func (b *Backend) MapModel(model string) (string, bool) {
	if len(b.cfg.ModelMap) == 0 {
		return model, false
	}
	if mapped, ok := b.cfg.ModelMap[model]; ok && model != "" {
		return mapped, true
	}
	if mapped, ok := b.cfg.ModelMap["*"]; ok {
		return mapped, true
	}
	return model, false
}

// RewriteBody applies the model rewrite to a JSON body, returning the body
// unchanged when no mapping applies or the body carries no model.
func (b *Backend) RewriteBody(body []byte) []byte {
	if len(b.cfg.ModelMap) == 0 || len(body) == 0 {
		return body
	}
	model := gjson.GetBytes(body, "model").String()
	mapped, ok := b.MapModel(model)
	if !ok || mapped == model {
		return body
	}
	rewritten, err := sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body
	}
	return rewritten
}

// BuildRequest assembles the upstream request: base URL joined with the
// client path, merged query params, client headers minus gateway
// credentials, injected backend headers, and the (possibly rewritten) body.
func (b *Backend) BuildRequest(ctx *fasthttp.RequestCtx, body []byte, stripAuth bool) *fasthttp.Request {
	return b.BuildRequestForPath(ctx, string(ctx.Path()), body, stripAuth)
}

// BuildRequestForPath is BuildRequest with an explicit upstream path; the
// responses shim uses it to reissue against /v1/chat/completions.
func (b *Backend) BuildRequestForPath(ctx *fasthttp.RequestCtx, path string, body []byte, stripAuth bool) *fasthttp.Request {
	req := fasthttp.AcquireRequest()
	ctx.Request.Header.CopyTo(&req.Header)

	req.Header.SetMethodBytes(ctx.Method())
	req.SetRequestURI(strings.TrimSuffix(b.cfg.BaseURL, "/") + path)

	// Merge the client query string with configured params; configured
	// params win on collision.
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		req.URI().QueryArgs().SetBytesKV(k, v)
	})
	for k, v := range b.cfg.QueryParams {
		req.URI().QueryArgs().Set(k, v)
	}

	// Gateway credentials never travel upstream. With an empty registry
	// (stripAuth false) the client's own Authorization and x-api-key pass
	// through verbatim.
	if stripAuth {
		req.Header.Del("Authorization")
		req.Header.Del("x-api-key")
	}
	req.Header.Del("x-ditto-virtual-key")
	req.Header.Del("x-litellm-api-key")
	req.Header.Del("x-ditto-cache-bypass")
	req.Header.Del("x-ditto-bypass-cache")

	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}

	req.SetBody(b.RewriteBody(body))
	req.Header.SetContentLength(len(req.Body()))
	return req
}

// Dispatch sends req and returns the (streaming) response. The caller owns
// both and must release them via fasthttp.ReleaseRequest / ReleaseResponse
// after draining the body.
func (b *Backend) Dispatch(ctx context.Context, req *fasthttp.Request) (*fasthttp.Response, error) {
	resp := fasthttp.AcquireResponse()
	resp.StreamBody = true

	deadline := time.Now().Add(b.cfg.Timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.client.DoDeadline(req, resp, deadline); err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, err
	}
	return resp, nil
}
