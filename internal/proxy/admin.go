package proxy

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
	"github.com/nulpointcorp/ditto-gateway/pkg/apierr"
)

// Admin is the control-plane projection over the same repositories the hot
// path uses: key management, ledger/audit/health snapshots, cache purge,
// and the reservation reaper. The full Admin control plane is an external
// collaborator; these handlers stay thin on purpose.
type Admin struct {
	gw    *Gateway
	token string
}

// NewAdmin wraps gw. token guards every route when non-empty.
func NewAdmin(gw *Gateway, token string) *Admin {
	return &Admin{gw: gw, token: token}
}

func (a *Admin) authorized(ctx *fasthttp.RequestCtx) bool {
	if a.token == "" {
		return true
	}
	presented := string(ctx.Request.Header.Peek("x-admin-token"))
	if presented == "" {
		presented = parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

func (a *Admin) guard(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !a.authorized(ctx) {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"admin token required", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		next(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}
	ctx.SetBody(data)
}

// redactedKey is a VirtualKey without its secret.
type redactedKey struct {
	store.VirtualKey
	Token string `json:"token,omitempty"`
}

// HandleListKeys returns the registry with tokens redacted.
func (a *Admin) HandleListKeys(ctx *fasthttp.RequestCtx) {
	keys, err := a.gw.store.ListKeys(ctx)
	if err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	out := make([]redactedKey, 0, len(keys))
	for _, k := range keys {
		k.Token = ""
		out = append(out, redactedKey{VirtualKey: k})
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

// HandleUpsertKey creates or replaces a virtual key.
func (a *Admin) HandleUpsertKey(ctx *fasthttp.RequestCtx) {
	var key store.VirtualKey
	if err := json.Unmarshal(ctx.PostBody(), &key); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if key.ID == "" || key.Token == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"id and token are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.gw.store.UpsertKey(ctx, key); err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	a.gw.invalidateKeysMemo()
	a.gw.dropRails(key.ID)
	a.gw.audit(ctx, "key_upserted", map[string]any{"key_id": key.ID})
	writeJSON(ctx, map[string]string{"status": "ok", "id": key.ID})
}

// HandleDeleteKey removes a virtual key immediately.
func (a *Admin) HandleDeleteKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"key id required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.gw.store.DeleteKey(ctx, id); err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	a.gw.invalidateKeysMemo()
	a.gw.dropRails(id)
	a.gw.audit(ctx, "key_deleted", map[string]any{"key_id": id})
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// HandleLedger returns the ledger for ?scope=.
func (a *Admin) HandleLedger(ctx *fasthttp.RequestCtx) {
	scope := string(ctx.QueryArgs().Peek("scope"))
	if scope == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"scope query parameter required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	ledger, err := a.gw.store.GetLedger(ctx, scope)
	if err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	writeJSON(ctx, ledger)
}

// HandleAuditList returns up to ?limit (default 100) audit records in
// insertion order, oldest first, after ?since and before ?before.
func (a *Admin) HandleAuditList(ctx *fasthttp.RequestCtx) {
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	if limit == 0 {
		limit = 100
	}
	since := int64(ctx.QueryArgs().GetUintOrZero("since"))
	before := int64(ctx.QueryArgs().GetUintOrZero("before"))

	records, err := a.gw.store.ListAudit(ctx, limit, since, before)
	if err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	writeJSON(ctx, map[string]any{"records": records})
}

// HandleAuditExport streams the audit log as JSONL.
func (a *Admin) HandleAuditExport(ctx *fasthttp.RequestCtx) {
	since := int64(ctx.QueryArgs().GetUintOrZero("since"))
	before := int64(ctx.QueryArgs().GetUintOrZero("before"))

	var buf bytes.Buffer
	if err := a.gw.store.ExportAuditJSONL(ctx, &buf, since, before); err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	ctx.SetContentType("application/jsonl")
	ctx.SetBody(buf.Bytes())
}

// HandleBackends returns the health snapshot for every backend.
func (a *Admin) HandleBackends(ctx *fasthttp.RequestCtx) {
	if a.gw.health == nil {
		writeJSON(ctx, map[string]any{"backends": map[string]any{}})
		return
	}
	writeJSON(ctx, map[string]any{"backends": a.gw.health.Snapshot()})
}

// HandleBackendReset clears health state for ?name= (all when omitted).
func (a *Admin) HandleBackendReset(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	if a.gw.health != nil {
		a.gw.health.Reset(name)
	}
	a.gw.audit(ctx, "backend_reset", map[string]any{"backend": name})
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// HandleCachePurge removes one entry (?key=) or everything.
func (a *Admin) HandleCachePurge(ctx *fasthttp.RequestCtx) {
	if a.gw.cache == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "purged": 0})
		return
	}
	key := string(ctx.QueryArgs().Peek("key"))
	var purged int64
	if key != "" {
		a.gw.cache.Delete(ctx, key)
		purged = 1
	} else {
		purged = a.gw.cache.Purge(ctx)
	}
	a.gw.audit(ctx, "cache_purged", map[string]any{"key": key, "purged": purged})
	writeJSON(ctx, map[string]any{"status": "ok", "purged": purged})
}

// reapRequest is the body of POST /admin/reservations/reap.
type reapRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
	Limit            int   `json:"limit"`
	DryRun           bool  `json:"dry_run"`
}

// HandleReap rolls back stale reservations.
func (a *Admin) HandleReap(ctx *fasthttp.RequestCtx) {
	var req reapRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}
	if req.OlderThanSeconds <= 0 {
		req.OlderThanSeconds = 600
	}
	report, err := a.gw.budget.Reap(ctx,
		time.Duration(req.OlderThanSeconds)*time.Second, req.Limit, req.DryRun)
	if err != nil {
		apierr.WriteStoreUnavailable(ctx)
		return
	}
	if !req.DryRun {
		a.gw.audit(ctx, "reservations_reaped", map[string]any{
			"released": report.Released, "scanned": report.Scanned,
		})
	}
	writeJSON(ctx, report)
}
