// Package proxy is the OpenAI-compatible passthrough pipeline.
//
// The Gateway receives ANY /v1/* requests, authenticates them against the
// virtual key registry, runs guardrails, acquires rate limits, reserves
// budgets, consults the response cache, selects a backend via deterministic
// weighted routing, and forwards the request streaming-aware with retry and
// circuit-breaker filtering. Usage is observed on the way out and the
// budget reservation settled.
//
// Design constraints carried throughout:
//   - No blocking I/O on the hot path beyond the store and upstream calls
//     the pipeline is defined by; no global locks.
//   - Subsystems are injected and nil-safe where optional (cache, metrics,
//     emitter, pricing).
//   - SSE responses pass through unbuffered; they are never cached.
package proxy

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/ditto-gateway/internal/budget"
	"github.com/nulpointcorp/ditto-gateway/internal/cache"
	"github.com/nulpointcorp/ditto-gateway/internal/config"
	"github.com/nulpointcorp/ditto-gateway/internal/guardrails"
	"github.com/nulpointcorp/ditto-gateway/internal/health"
	"github.com/nulpointcorp/ditto-gateway/internal/metrics"
	"github.com/nulpointcorp/ditto-gateway/internal/obs"
	"github.com/nulpointcorp/ditto-gateway/internal/pricing"
	"github.com/nulpointcorp/ditto-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ditto-gateway/internal/router"
	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Options carries the optional collaborators. All fields may be zero.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Emitter *obs.Emitter
	Pricing *pricing.Table
	Cache   *cache.Layered
}

// Gateway owns the hot path. Construct with New, serve with Serve.
type Gateway struct {
	cfg   *config.Config
	store store.Store

	backends map[string]*Backend
	router   *router.Router
	health   *health.Supervisor
	limiter  *ratelimit.Limiter
	budget   *budget.Engine
	cache    *cache.Layered
	pricing  *pricing.Table

	log     *slog.Logger
	metrics *metrics.Registry
	emitter *obs.Emitter

	baseCtx   context.Context
	globalSem *semaphore.Weighted // nil = unlimited

	// Compiled guardrails cached per key id; invalidated on admin upsert.
	railsMu sync.Mutex
	rails   map[string]*compiledRails

	// hasKeys is memoized briefly so anonymous requests don't list the
	// registry every time.
	keysMu        sync.Mutex
	keysKnown     bool
	keysNonEmpty  bool
	keysCheckedAt time.Time
}

type compiledRails struct {
	fingerprint string
	rails       *guardrails.Rails
}

// New wires a Gateway. ctx is the server base context; cancelling it stops
// background work.
func New(ctx context.Context, cfg *config.Config, st store.Store, sup *health.Supervisor, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	backends := make(map[string]*Backend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backends[bc.Name] = newBackend(bc)
	}

	g := &Gateway{
		cfg:      cfg,
		store:    st,
		backends: backends,
		router: router.New(router.Config{
			DefaultBackends: cfg.Router.DefaultBackends,
			Rules:           cfg.Router.Rules,
		}),
		health:  sup,
		limiter: ratelimit.New(st),
		budget:  budget.New(st, log),
		cache:   opts.Cache,
		pricing: opts.Pricing,
		log:     log,
		metrics: opts.Metrics,
		emitter: opts.Emitter,
		baseCtx: ctx,
		rails:   make(map[string]*compiledRails),
	}
	if cfg.Proxy.MaxInFlight > 0 {
		g.globalSem = semaphore.NewWeighted(int64(cfg.Proxy.MaxInFlight))
	}
	return g
}

// Budget exposes the engine for the admin reaper endpoint.
func (g *Gateway) Budget() *budget.Engine { return g.budget }

// Health exposes the supervisor for admin snapshots.
func (g *Gateway) Health() *health.Supervisor { return g.health }

// Cache exposes the layered cache for admin purge; may be nil.
func (g *Gateway) Cache() *cache.Layered { return g.cache }

// Store exposes the backing store for admin handlers.
func (g *Gateway) Store() store.Store { return g.store }

// ── Authentication ────────────────────────────────────────────────────────────

// credentialHeaders in match order, with the Bearer scheme handled first.
var credentialHeaders = []string{"x-ditto-virtual-key", "x-litellm-api-key", "x-api-key"}

// extractCredential returns the first presented token.
func extractCredential(ctx *fasthttp.RequestCtx) (token string, present bool) {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		if t := parseBearerToken(raw); t != "" {
			return t, true
		}
	}
	for _, name := range credentialHeaders {
		if raw := strings.TrimSpace(string(ctx.Request.Header.Peek(name))); raw != "" {
			return raw, true
		}
	}
	return "", false
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// registryNonEmpty reports whether any virtual key exists, memoized for a
// couple of seconds so anonymous traffic doesn't hammer the store.
func (g *Gateway) registryNonEmpty(ctx context.Context) (bool, error) {
	g.keysMu.Lock()
	defer g.keysMu.Unlock()
	if g.keysKnown && time.Since(g.keysCheckedAt) < 2*time.Second {
		return g.keysNonEmpty, nil
	}
	keys, err := g.store.ListKeys(ctx)
	if err != nil {
		return false, err
	}
	g.keysKnown = true
	g.keysNonEmpty = len(keys) > 0
	g.keysCheckedAt = time.Now()
	return g.keysNonEmpty, nil
}

// invalidateKeysMemo is called by admin mutations.
func (g *Gateway) invalidateKeysMemo() {
	g.keysMu.Lock()
	g.keysKnown = false
	g.keysMu.Unlock()
}

// authResult is the outcome of authentication.
type authResult struct {
	key *store.VirtualKey
	// passthroughAuth means the registry is empty and the Authorization
	// header travels upstream verbatim.
	passthroughAuth bool
}

type authFailure int

const (
	authOK authFailure = iota
	authMissing
	authInvalid
	authStoreDown
)

func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (authResult, authFailure) {
	token, present := extractCredential(ctx)

	nonEmpty, err := g.registryNonEmpty(ctx)
	if err != nil {
		return authResult{}, authStoreDown
	}
	if !nonEmpty {
		return authResult{passthroughAuth: true}, authOK
	}
	if !present {
		return authResult{}, authMissing
	}

	key, found, err := g.store.GetKeyByToken(ctx, token)
	if err != nil {
		return authResult{}, authStoreDown
	}
	// The index lookup is exact; the final compare is constant-time so the
	// match itself leaks nothing about stored tokens.
	if !found || subtle.ConstantTimeCompare([]byte(key.Token), []byte(token)) != 1 {
		return authResult{}, authInvalid
	}
	if !key.Enabled {
		return authResult{}, authInvalid
	}
	return authResult{key: &key}, authOK
}

// railsFor returns compiled guardrails for key, cached by id and settings
// fingerprint.
func (g *Gateway) railsFor(key *store.VirtualKey) (*guardrails.Rails, error) {
	fp, err := store.CanonicalJSON(key.Guardrails)
	if err != nil {
		return nil, err
	}

	g.railsMu.Lock()
	cached, ok := g.rails[key.ID]
	g.railsMu.Unlock()
	if ok && cached.fingerprint == string(fp) {
		return cached.rails, nil
	}

	rails, err := guardrails.Compile(key.Guardrails)
	if err != nil {
		return nil, err
	}
	g.railsMu.Lock()
	g.rails[key.ID] = &compiledRails{fingerprint: string(fp), rails: rails}
	g.railsMu.Unlock()
	return rails, nil
}

func (g *Gateway) dropRails(keyID string) {
	g.railsMu.Lock()
	delete(g.rails, keyID)
	g.railsMu.Unlock()
}

// ── Scope construction ────────────────────────────────────────────────────────

// rateScopes builds the acquisition sequence for a key: key first, then
// tenant/project/user when attributed, then the shared route scope.
func (g *Gateway) rateScopes(key *store.VirtualKey, path string) []ratelimit.Scope {
	var scopes []ratelimit.Scope
	if key != nil {
		scopes = append(scopes, ratelimit.Scope{
			Key: "vk:" + key.ID, Code: "vk", Limits: key.Limits,
		})
		if key.TenantID != "" && key.TenantLimits != nil {
			scopes = append(scopes, ratelimit.Scope{
				Key: "tenant:" + key.TenantID, Code: "tenant", Limits: *key.TenantLimits,
			})
		}
		if key.ProjectID != "" && key.ProjectLimits != nil {
			scopes = append(scopes, ratelimit.Scope{
				Key: "project:" + key.ProjectID, Code: "project", Limits: *key.ProjectLimits,
			})
		}
		if key.UserID != "" && key.UserLimits != nil {
			scopes = append(scopes, ratelimit.Scope{
				Key: "user:" + key.UserID, Code: "user", Limits: *key.UserLimits,
			})
		}
	}
	if limits, ok := g.cfg.RouteLimits[metrics.NormalizePath(path)]; ok {
		scopes = append(scopes, ratelimit.Scope{
			Key: "route:" + metrics.NormalizePath(path), Code: "route",
			Limits: limits, Sliding: true,
		})
	}
	return scopes
}

// budgetScopes builds the reservation sequence for a key.
func (g *Gateway) budgetScopes(key *store.VirtualKey) []budget.Scope {
	if key == nil {
		return nil
	}
	scopes := []budget.Scope{{Key: "vk:" + key.ID, Caps: key.Budget, Primary: true}}
	if key.TenantID != "" && key.TenantBudget != nil {
		scopes = append(scopes, budget.Scope{Key: "tenant:" + key.TenantID, Caps: *key.TenantBudget})
	}
	if key.ProjectID != "" && key.ProjectBudget != nil {
		scopes = append(scopes, budget.Scope{Key: "project:" + key.ProjectID, Caps: *key.ProjectBudget})
	}
	if key.UserID != "" && key.UserBudget != nil {
		scopes = append(scopes, budget.Scope{Key: "user:" + key.UserID, Caps: *key.UserBudget})
	}
	return scopes
}

// costBudgetConfigured reports whether any scope enforces a USD cap, which
// makes pricing mandatory for the request's model.
func costBudgetConfigured(scopes []budget.Scope) bool {
	for _, sc := range scopes {
		if sc.Caps.TotalUSDMicros > 0 {
			return true
		}
	}
	return false
}

// emit sends one observability event; nil-safe.
func (g *Gateway) emit(name string, payload map[string]any) {
	if g.emitter != nil {
		g.emitter.Emit(name, payload)
	}
}

// audit appends a hash-chained audit record; failures are logged only.
func (g *Gateway) audit(ctx context.Context, kind string, payload map[string]any) {
	if _, err := g.store.AppendAudit(ctx, kind, payload); err != nil {
		g.log.Warn("audit_append_failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}
