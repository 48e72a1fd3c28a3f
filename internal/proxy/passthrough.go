package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/internal/budget"
	"github.com/nulpointcorp/ditto-gateway/internal/cache"
	"github.com/nulpointcorp/ditto-gateway/internal/pricing"
	"github.com/nulpointcorp/ditto-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ditto-gateway/internal/tokencount"
	"github.com/nulpointcorp/ditto-gateway/pkg/apierr"
)

// settleTimeout bounds best-effort settlement after the client is gone.
const settleTimeout = 5 * time.Second

// once returns f wrapped to run a single time.
func once(f func()) func() {
	var o sync.Once
	return func() { o.Do(f) }
}

// HandlePassthrough is the ANY /v1/* hot path: steps 1-12 of the pipeline
// in program order.
func (g *Gateway) HandlePassthrough(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	method := string(ctx.Method())
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	decInflight := once(func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
		}
	})
	observe := once(func() {
		if g.metrics != nil {
			g.metrics.ObserveRequest(path, ctx.Response.StatusCode(), time.Since(start))
		}
	})

	// streamed hands cleanup ownership to a body stream writer; until then
	// this deferred block finalizes every exit path.
	streamed := false
	defer func() {
		if !streamed {
			observe()
			decInflight()
		}
	}()

	// 1. Body size gate. The server-level cap already rejects larger
	// bodies; this guard keeps the invariant local.
	body := ctx.PostBody()
	if len(body) > g.cfg.Proxy.MaxBodyBytes {
		apierr.WritePayloadTooLarge(ctx)
		return
	}

	// Global in-flight permit.
	if g.globalSem != nil && !g.globalSem.TryAcquire(1) {
		apierr.WriteInflightLimit(ctx, false)
		return
	}
	releaseGlobal := once(func() {
		if g.globalSem != nil {
			g.globalSem.Release(1)
		}
	})
	defer func() {
		if !streamed {
			releaseGlobal()
		}
	}()

	// 2. Authentication.
	auth, failure := g.authenticate(ctx)
	switch failure {
	case authMissing:
		apierr.WriteMissingKey(ctx)
		return
	case authInvalid:
		g.emit("auth_rejected", map[string]any{"request_id": reqID})
		apierr.WriteInvalidKey(ctx)
		return
	case authStoreDown:
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	key := auth.key
	stripAuth := !auth.passthroughAuth

	if key != nil && !key.Passthrough.Allow {
		if g.metrics != nil {
			g.metrics.RecordGuardrailBlocked()
		}
		apierr.WriteGuardrailBlocked(ctx, "passthrough_disabled")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	inputEst := tokencount.EstimateBody(body)
	maxOut := tokencount.MaxOutputTokens(body)

	// 3. Guardrails, cheapest checks first.
	if key != nil {
		rails, err := g.railsFor(key)
		if err != nil {
			g.log.Error("guardrails_compile_failed",
				slog.String("key_id", key.ID), slog.String("error", err.Error()))
			apierr.WriteInternal(ctx, "guardrail configuration invalid")
			return
		}
		if rej := rails.Check(path, body, model, inputEst); rej != nil {
			if g.metrics != nil {
				g.metrics.RecordGuardrailBlocked()
			}
			g.audit(ctx, "guardrail_blocked", map[string]any{
				"request_id": reqID, "key_id": key.ID, "reason": rej.Reason,
			})
			apierr.WriteGuardrailBlocked(ctx, rej.Reason)
			return
		}
	}

	// 4. Rate-limit acquire across scopes.
	if err := g.limiter.Acquire(ctx, g.rateScopes(key, path), inputEst); err != nil {
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			if g.metrics != nil {
				g.metrics.RecordRateLimited(le.Code())
			}
			g.emit("rate_limited", map[string]any{
				"request_id": reqID, "code": le.Code(),
			})
			apierr.WriteRateLimit(ctx, le.Code())
			return
		}
		apierr.WriteStoreUnavailable(ctx)
		return
	}

	// 5. Budget reservation: worst case tokens and USD micros.
	bScopes := g.budgetScopes(key)
	chargeTokens := uint64(inputEst + maxOut)
	var usdReserve uint64
	if costBudgetConfigured(bScopes) {
		wc, ok := g.pricing.WorstCaseMicros(model, chargeTokens)
		if !ok {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				fmt.Sprintf("no pricing configured for model %q", model),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		usdReserve = wc
	}
	resSet, err := g.budget.Reserve(ctx, reqID, bScopes, chargeTokens, usdReserve)
	if err != nil {
		var ie *budget.InsufficientError
		if errors.As(err, &ie) {
			if g.metrics != nil {
				g.metrics.RecordBudgetRejection(ie.Scope)
			}
			g.audit(ctx, "budget_rejected", map[string]any{
				"request_id": reqID, "scope": ie.Scope, "tokens": chargeTokens,
			})
			apierr.WriteInsufficientQuota(ctx, ie.Scope)
			return
		}
		apierr.WriteStoreUnavailable(ctx)
		return
	}

	// Settlement runs exactly once. The deferred rollback covers panics and
	// forgotten paths; it no-ops after a commit.
	var settleOnce sync.Once
	rollback := func() {
		settleOnce.Do(func() {
			sctx, cancel := context.WithTimeout(g.baseCtx, settleTimeout)
			defer cancel()
			resSet.Rollback(sctx)
		})
	}
	commit := func(u usageInfo) {
		settleOnce.Do(func() {
			sctx, cancel := context.WithTimeout(g.baseCtx, settleTimeout)
			defer cancel()
			tokens := u.total()
			if !u.FromUpstream {
				tokens = chargeTokens
			}
			cost := usdReserve
			if g.pricing != nil {
				pu := pricingUsage(u, chargeTokens)
				if c, ok := g.pricing.Cost(model, pu, u.ServiceTier); ok {
					cost = c
				}
			}
			resSet.Commit(sctx, tokens, cost)
			if g.metrics != nil {
				g.metrics.AddTokens(backendLabel(ctx), u.InputTokens, u.OutputTokens)
			}
		})
	}
	defer func() {
		if !streamed {
			rollback()
		}
	}()

	// 6. Cache lookup.
	bypassHeader := len(ctx.Request.Header.Peek("x-ditto-cache-bypass")) > 0 ||
		len(ctx.Request.Header.Peek("x-ditto-bypass-cache")) > 0
	cacheControl := string(ctx.Request.Header.Peek("Cache-Control"))

	cacheTTL := g.cfg.Cache.TTL
	cacheOn := g.cache != nil && cache.RequestEligible(method)
	if key != nil {
		cacheOn = cacheOn && key.Cache.Enabled && !key.Passthrough.BypassCache
		if key.Cache.TTLSeconds > 0 {
			cacheTTL = time.Duration(key.Cache.TTLSeconds) * time.Second
		}
	} else {
		cacheOn = cacheOn && g.cfg.Cache.Enabled
	}
	if cache.RequestBypassesCache(cacheControl, bypassHeader) {
		if cacheOn && g.metrics != nil {
			g.metrics.CacheOp("get", "bypass")
		}
		cacheOn = false
	}

	var cacheKey string
	if cacheOn {
		keyID := ""
		if key != nil {
			keyID = key.ID
		}
		scope := cache.Scope(keyID,
			string(ctx.Request.Header.Peek("Authorization")),
			string(ctx.Request.Header.Peek("x-api-key")))
		cacheKey = cache.Key(method, path, body, scope)

		if entry, source, ok := g.cache.Get(ctx, cacheKey, cacheTTL); ok {
			if g.metrics != nil {
				g.metrics.CacheOp("get", "hit")
			}
			// A cache hit consumes nothing: release the reservation whole.
			rollback()
			for k, v := range entry.Headers {
				ctx.Response.Header.Set(k, v)
			}
			ctx.Response.Header.Set("x-ditto-cache", "hit")
			ctx.Response.Header.Set("x-ditto-cache-key", cacheKey)
			ctx.Response.Header.Set("x-ditto-cache-source", source)
			ctx.SetStatusCode(entry.Status)
			ctx.SetBody(entry.Body)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheOp("get", "miss")
		}
	}

	// 7. Routing: candidate list, then health filtering.
	forced := ""
	if key != nil {
		forced = key.Route
	}
	candidates := g.router.Select(model, reqID, forced)
	if len(candidates) == 0 {
		rollback()
		apierr.WriteNoBackend(ctx, "no backend configured for model")
		return
	}
	filtered := candidates[:0:0]
	for _, name := range candidates {
		if g.health == nil || g.health.Available(name) {
			filtered = append(filtered, name)
		}
	}
	if len(filtered) == 0 {
		// Everything is marked unhealthy; trying the unfiltered set beats
		// rejecting outright.
		filtered = candidates
	}

	// 8. Backend attempt loop.
	maxAttempts := g.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(filtered)
	}

	var (
		resp        *fasthttp.Response
		upReq       *fasthttp.Request
		served      *Backend
		lastPermit  bool
		lastErrText string
		attempts    int
	)

	for i, name := range filtered {
		if attempts >= maxAttempts {
			break
		}
		b := g.backends[name]
		if b == nil {
			continue
		}
		if !b.TryAcquire() {
			lastPermit = true
			lastErrText = "backend at max in-flight"
			continue
		}
		req := b.BuildRequest(ctx, body, stripAuth)
		attempts++
		upStart := time.Now()
		r, err := b.Dispatch(ctx, req)
		if err != nil {
			b.Release()
			fasthttp.ReleaseRequest(req)
			lastPermit = false
			lastErrText = err.Error()
			if g.health != nil {
				g.health.RecordFailure(name, "network: "+err.Error())
				g.syncHealthGauge(name)
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, "network_error", time.Since(upStart))
			}
			g.log.Warn("backend_attempt_failed",
				slog.String("request_id", reqID),
				slog.String("backend", name),
				slog.String("error", err.Error()),
			)
			// Network errors always fail over; only status-code retries
			// are gated on the retry toggle.
			continue
		}

		status := r.StatusCode()
		retryable := g.cfg.Retry.IsRetryableStatus(status)
		lastCandidate := i == len(filtered)-1 || attempts >= maxAttempts

		if retryable && g.cfg.Retry.Enabled && !lastCandidate {
			drainAndRelease(r)
			b.Release()
			fasthttp.ReleaseRequest(req)
			lastPermit = false
			lastErrText = fmt.Sprintf("status %d", status)
			// 5xx feeds the breaker; a 429 is shed load, not an outage.
			if status >= 500 && g.health != nil {
				g.health.RecordFailure(name, lastErrText)
				g.syncHealthGauge(name)
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, fmt.Sprintf("http_%d", status), time.Since(upStart))
			}
			g.log.Warn("backend_attempt_failed",
				slog.String("request_id", reqID),
				slog.String("backend", name),
				slog.Int("status", status),
			)
			continue
		}

		// This response is delivered, whatever its status.
		if g.health != nil {
			if status >= 500 {
				g.health.RecordFailure(name, fmt.Sprintf("status %d", status))
			} else {
				g.health.RecordSuccess(name)
			}
			g.syncHealthGauge(name)
		}
		if g.metrics != nil {
			outcome := "success"
			if status >= 400 {
				outcome = fmt.Sprintf("http_%d", status)
			}
			g.metrics.ObserveUpstreamAttempt(name, outcome, time.Since(upStart))
		}
		resp, upReq, served = r, req, b
		break
	}

	if resp == nil {
		rollback()
		if lastPermit {
			apierr.WriteInflightLimit(ctx, true)
			return
		}
		msg := "all backends failed"
		if lastErrText != "" {
			msg = "all backends failed: " + lastErrText
		}
		g.emit("no_backend_available", map[string]any{"request_id": reqID})
		apierr.WriteNoBackend(ctx, msg)
		return
	}

	// 9. Responses shim: reissue as chat/completions when the backend has
	// no native /v1/responses.
	if path == "/v1/responses" && shimTriggerStatus(resp.StatusCode()) {
		drainAndRelease(resp)
		fasthttp.ReleaseRequest(upReq)
		g.handleResponsesShim(ctx, served, body, stripAuth, reqID, commit, rollback)
		served.Release()
		return
	}

	ctx.Response.Header.Set("x-ditto-backend", served.Name())

	cleanupUpstream := once(func() {
		drainAndRelease(resp)
		fasthttp.ReleaseRequest(upReq)
		served.Release()
	})

	contentType := string(resp.Header.ContentType())

	// 10a. SSE: unbuffered pass-through, settle when the stream drains.
	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		streamed = true
		servedName := served.Name()
		forwardSSE(ctx, resp, func(out streamOutcome) {
			if out.disconnected {
				rollback()
			} else if out.usageFound {
				commit(out.usage)
			} else {
				commit(usageInfo{})
			}
			cleanupUpstream()
			g.emit("request_completed", map[string]any{
				"request_id": reqID, "backend": servedName,
				"streaming": true, "bytes": out.bytesOut,
			})
			observe()
			decInflight()
			releaseGlobal()
		})
		return
	}

	// 10b. Non-SSE: buffer within the usage cap for settlement and cache;
	// fall back to pass-through streaming past the cap.
	usageCap := g.cfg.Proxy.UsageMaxBodyBytes
	status := resp.StatusCode()

	if cl := resp.Header.ContentLength(); cl > usageCap {
		g.streamThrough(ctx, resp, nil, status, contentType, commit, rollback, cleanupUpstream, &streamed, observe, decInflight, releaseGlobal)
		return
	}

	buf, err := readUpTo(resp.BodyStream(), usageCap)
	if err != nil {
		cleanupUpstream()
		rollback()
		apierr.WriteNoBackend(ctx, "upstream read failed: "+err.Error())
		return
	}
	if !buf.complete {
		g.streamThrough(ctx, resp, buf.data, status, contentType, commit, rollback, cleanupUpstream, &streamed, observe, decInflight, releaseGlobal)
		return
	}

	// Fully buffered: observe usage, settle, cache, mirror.
	respBody := buf.data
	if u, found := parseUsage(respBody); found {
		commit(u)
	} else {
		commit(usageInfo{})
	}

	upstreamCacheControl := strings.ToLower(string(resp.Header.Peek("Cache-Control")))
	mirrorHeaders(ctx, resp)
	ctx.Response.Header.Set("x-ditto-backend", served.Name())
	ctx.SetStatusCode(status)
	ctx.SetBody(respBody)
	cleanupUpstream()

	// 11. Cache store.
	if cacheOn && cache.ResponseEligible(status, contentType, len(respBody), g.cache.MaxPerEntry()) &&
		!strings.Contains(upstreamCacheControl, "no-store") &&
		!strings.Contains(upstreamCacheControl, "no-cache") {
		entry := &cache.Entry{
			Status:  status,
			Headers: map[string]string{"Content-Type": contentType},
			Body:    respBody,
		}
		g.cache.Put(ctx, cacheKey, entry, cacheTTL)
		if g.metrics != nil {
			g.metrics.CacheOp("set", "ok")
		}
	}

	g.emit("request_completed", map[string]any{
		"request_id": reqID, "backend": served.Name(),
		"status": status, "bytes": len(respBody),
	})
}

// streamThrough forwards a non-SSE body too large to buffer: the already
// read prefix, then the live remainder. Usage parsing and caching are
// skipped; the reservation settles with the pre-estimate.
func (g *Gateway) streamThrough(
	ctx *fasthttp.RequestCtx,
	resp *fasthttp.Response,
	prefix []byte,
	status int,
	contentType string,
	commit func(usageInfo),
	rollback func(),
	cleanupUpstream func(),
	streamed *bool,
	observe, decInflight, releaseGlobal func(),
) {
	*streamed = true
	mirrorHeaders(ctx, resp)
	ctx.SetStatusCode(status)
	ctx.Response.Header.SetContentType(contentType)

	body := resp.BodyStream()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			recover() //nolint:errcheck // stream writers must never panic the server
			cleanupUpstream()
			observe()
			decInflight()
			releaseGlobal()
		}()
		disconnected := false
		if len(prefix) > 0 {
			if _, err := w.Write(prefix); err != nil {
				disconnected = true
			}
		}
		if !disconnected && body != nil {
			if _, err := io.Copy(w, body); err != nil {
				disconnected = true
			}
		}
		if disconnected {
			rollback()
			return
		}
		commit(usageInfo{})
	})
}

// mirrorHeaders copies upstream response headers onto the client response,
// skipping hop-by-hop fields and the request-id headers the middleware has
// already set. The other gateway observability headers are set after this
// and therefore win.
func mirrorHeaders(ctx *fasthttp.RequestCtx, resp *fasthttp.Response) {
	resp.Header.VisitAll(func(k, v []byte) {
		switch strings.ToLower(string(k)) {
		case "connection", "transfer-encoding", "content-length", "keep-alive",
			"x-request-id", "x-ditto-request-id":
			return
		}
		ctx.Response.Header.SetBytesKV(k, v)
	})
}

// drainAndRelease consumes any remaining body bytes and returns the
// response to the pool. Draining before release keeps the underlying
// connection reusable.
func drainAndRelease(resp *fasthttp.Response) {
	if stream := resp.BodyStream(); stream != nil {
		_, _ = io.Copy(io.Discard, stream)
		_ = resp.CloseBodyStream()
	}
	fasthttp.ReleaseResponse(resp)
}

// shimTriggerStatus reports whether an upstream status means "endpoint not
// implemented" for the responses shim.
func shimTriggerStatus(status int) bool {
	return status == fasthttp.StatusNotFound ||
		status == fasthttp.StatusMethodNotAllowed ||
		status == fasthttp.StatusNotImplemented
}

// pricingUsage converts observed usage into the pricing input, falling back
// to the charge estimate when the upstream reported nothing.
func pricingUsage(u usageInfo, chargeTokens uint64) pricing.Usage {
	if u.FromUpstream {
		return pricing.Usage{
			InputTokens:        u.InputTokens,
			OutputTokens:       u.OutputTokens,
			CacheReadInput:     u.CacheReadInput,
			CacheCreationInput: u.CacheCreationInput,
		}
	}
	return pricing.Usage{InputTokens: chargeTokens}
}

// syncHealthGauge exports the current availability verdict for a backend.
func (g *Gateway) syncHealthGauge(name string) {
	if g.metrics != nil && g.health != nil {
		g.metrics.SetBackendUnhealthy(name, !g.health.Available(name))
	}
}

// backendLabel extracts the backend header for token metrics.
func backendLabel(ctx *fasthttp.RequestCtx) string {
	if b := ctx.Response.Header.Peek("x-ditto-backend"); len(b) > 0 {
		return string(b)
	}
	return "unknown"
}
