package proxy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// requestSeq feeds the monotonic suffix of generated request ids.
var requestSeq atomic.Uint64

// incomingIDRe bounds what we accept as a caller-supplied request id.
var incomingIDRe = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)

// NewRequestID generates a gateway request id: ditto-<ts_ms>-<seq>.
func NewRequestID() string {
	return fmt.Sprintf("ditto-%d-%d", time.Now().UnixMilli(), requestSeq.Add(1))
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request carries an id. A syntactically valid
// incoming x-request-id is reused; anything else is replaced. The id is
// echoed in both x-ditto-request-id and x-request-id and stored in the
// request context for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("x-request-id"))
		if !incomingIDRe.MatchString(id) {
			id = NewRequestID()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set("x-ditto-request-id", id)
		ctx.Response.Header.Set("x-request-id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
// nil or ["*"] allows any origin. OPTIONS preflights answer 204.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, x-request-id, x-ditto-virtual-key, x-api-key, x-ditto-cache-bypass")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain; the first
// middleware becomes the outermost wrapper.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
