package proxy

import (
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/pkg/apierr"
)

// ManagementRoutes holds optional handlers registered alongside the proxy.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
	Admin   *Admin
}

// Handler builds the full fasthttp handler: routes plus middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.ANY("/v1/{path:*}", g.HandlePassthrough)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}
	if mgmt != nil && mgmt.Admin != nil {
		a := mgmt.Admin
		r.GET("/admin/keys", a.guard(a.HandleListKeys))
		r.PUT("/admin/keys", a.guard(a.HandleUpsertKey))
		r.POST("/admin/keys", a.guard(a.HandleUpsertKey))
		r.DELETE("/admin/keys/{id}", a.guard(a.HandleDeleteKey))
		r.GET("/admin/ledger", a.guard(a.HandleLedger))
		r.GET("/admin/audit", a.guard(a.HandleAuditList))
		r.GET("/admin/audit/export", a.guard(a.HandleAuditExport))
		r.GET("/admin/backends", a.guard(a.HandleBackends))
		r.POST("/admin/backends/reset", a.guard(a.HandleBackendReset))
		r.POST("/admin/cache/purge", a.guard(a.HandleCachePurge))
		r.POST("/admin/reservations/reap", a.guard(a.HandleReap))
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.cfg.CORSOrigins),
	)
}

// Serve starts the HTTP server on addr and blocks.
func (g *Gateway) Serve(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streaming responses have no write deadline
		MaxRequestBodySize: g.cfg.Proxy.MaxBodyBytes,
		StreamRequestBody:  false,
		ErrorHandler: func(ctx *fasthttp.RequestCtx, err error) {
			if errors.Is(err, fasthttp.ErrBodyTooLarge) {
				ctx.SetUserValue("request_id", NewRequestID())
				ctx.Response.Header.Set("x-ditto-request-id",
					ctx.UserValue("request_id").(string))
				apierr.WritePayloadTooLarge(ctx)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		},
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if err := g.store.Ping(ctx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}
