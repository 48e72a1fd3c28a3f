// Package metrics provides the Prometheus registry for the gateway.
//
// All metrics live in a private registry (never the global default) under
// the ditto_gateway_proxy_* namespace. Path labels are normalized to the
// OpenAI endpoint template (e.g. /v1/models/gpt-4o -> /v1/models/*) and a
// per-label series cap collapses unexpected values into __overflow__ so a
// scanner cannot explode metric cardinality.
package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	overflowLabel = "__overflow__"

	// maxSeriesPerLabel caps distinct values observed for each free-form
	// label (route, backend).
	maxSeriesPerLabel = 200
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	// ditto_gateway_proxy_requests_total{route,status}
	requestsTotal *prometheus.CounterVec

	// ditto_gateway_proxy_request_duration_seconds{route}
	requestDuration *prometheus.HistogramVec

	// ditto_gateway_proxy_upstream_attempts_total{backend,outcome}
	upstreamAttempts *prometheus.CounterVec

	// ditto_gateway_proxy_upstream_attempt_duration_seconds{backend}
	upstreamDuration *prometheus.HistogramVec

	// ditto_gateway_proxy_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// ditto_gateway_proxy_rate_limited_total{scope}
	rateLimited *prometheus.CounterVec

	// ditto_gateway_proxy_budget_rejections_total{scope}
	budgetRejections *prometheus.CounterVec

	// ditto_gateway_proxy_guardrail_blocked_total
	guardrailBlocked prometheus.Counter

	// ditto_gateway_proxy_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// ditto_gateway_proxy_backend_unhealthy{backend}
	backendUnhealthy *prometheus.GaugeVec

	// ditto_gateway_proxy_shim_requests_total
	shimRequests prometheus.Counter

	// ditto_gateway_proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	labelMu    sync.Mutex
	labelSeen  map[string]map[string]struct{}
	metricsFn  fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

	r := &Registry{
		reg:       reg,
		labelSeen: make(map[string]map[string]struct{}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ditto_gateway_proxy_inflight_requests",
			Help: "Current number of in-flight proxied requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_requests_total",
				Help: "Total proxied requests by route template and status",
			},
			[]string{"route", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ditto_gateway_proxy_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: durBuckets,
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_upstream_attempts_total",
				Help: "Upstream backend attempts by outcome (includes failovers)",
			},
			[]string{"backend", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ditto_gateway_proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: durBuckets,
			},
			[]string{"backend"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_rate_limited_total",
				Help: "Requests rejected by a rate limit, by scope code",
			},
			[]string{"scope"},
		),

		budgetRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_budget_rejections_total",
				Help: "Requests rejected by budget admission, by scope",
			},
			[]string{"scope"},
		),

		guardrailBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditto_gateway_proxy_guardrail_blocked_total",
			Help: "Requests rejected by a guardrail",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_gateway_proxy_tokens_total",
				Help: "Observed token usage by backend and direction",
			},
			[]string{"backend", "direction"},
		),

		backendUnhealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ditto_gateway_proxy_backend_unhealthy",
				Help: "1 when the backend circuit is open or the probe failed",
			},
			[]string{"backend"},
		),

		shimRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ditto_gateway_proxy_shim_requests_total",
			Help: "Requests served through the responses-to-chat shim",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ditto_gateway_proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheOps,
		r.rateLimited,
		r.budgetRejections,
		r.guardrailBlocked,
		r.tokensTotal,
		r.backendUnhealthy,
		r.shimRequests,
		r.buildInfo,
	)

	r.metricsFn = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// NormalizePath collapses a request path to its OpenAI endpoint template so
// per-object path segments never become label values.
func NormalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/") {
		return "/other"
	}
	rest := path[len("/v1/"):]
	segments := strings.Split(rest, "/")
	// Object-collection endpoints carry a trailing object id.
	switch segments[0] {
	case "models", "files", "batches", "uploads", "fine_tuning", "assistants", "threads", "responses":
		if len(segments) > 1 {
			return "/v1/" + segments[0] + "/*"
		}
	}
	if len(segments) > 3 {
		return "/v1/" + strings.Join(segments[:3], "/") + "/*"
	}
	return path
}

// boundLabel applies the per-label series cap.
func (r *Registry) boundLabel(label, value string) string {
	r.labelMu.Lock()
	defer r.labelMu.Unlock()
	seen, ok := r.labelSeen[label]
	if !ok {
		seen = make(map[string]struct{})
		r.labelSeen[label] = seen
	}
	if _, ok := seen[value]; ok {
		return value
	}
	if len(seen) >= maxSeriesPerLabel {
		return overflowLabel
	}
	seen[value] = struct{}{}
	return value
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one finished request.
func (r *Registry) ObserveRequest(path string, status int, dur time.Duration) {
	route := r.boundLabel("route", NormalizePath(path))
	r.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one backend attempt.
func (r *Registry) ObserveUpstreamAttempt(backend, outcome string, dur time.Duration) {
	backend = r.boundLabel("backend", backend)
	r.upstreamAttempts.WithLabelValues(backend, outcome).Inc()
	r.upstreamDuration.WithLabelValues(backend).Observe(dur.Seconds())
}

func (r *Registry) CacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) RecordRateLimited(scopeCode string) {
	r.rateLimited.WithLabelValues(r.boundLabel("scope", scopeCode)).Inc()
}

func (r *Registry) RecordBudgetRejection(scope string) {
	r.budgetRejections.WithLabelValues(r.boundLabel("scope", scope)).Inc()
}

func (r *Registry) RecordGuardrailBlocked() { r.guardrailBlocked.Inc() }

func (r *Registry) RecordShimRequest() { r.shimRequests.Inc() }

// AddTokens records observed usage for a backend.
func (r *Registry) AddTokens(backend string, inputTokens, outputTokens uint64) {
	backend = r.boundLabel("backend", backend)
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "output").Add(float64(outputTokens))
	}
}

// SetBackendUnhealthy exports the health filter verdict.
func (r *Registry) SetBackendUnhealthy(backend string, unhealthy bool) {
	v := 0.0
	if unhealthy {
		v = 1.0
	}
	r.backendUnhealthy.WithLabelValues(r.boundLabel("backend", backend)).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsFn }
