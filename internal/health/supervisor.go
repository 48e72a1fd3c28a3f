// Package health tracks per-backend availability.
//
// Passive tracking counts consecutive failures reported by the proxy
// attempt loop; reaching the threshold opens the circuit for a cooldown.
// Only 5xx and network errors count — a 429 is load shedding, not an
// outage, and must never open the circuit.
//
// An optional active prober issues GET <health_check_path> against every
// backend on an interval and records an explicit healthy/unhealthy verdict
// with the last error. The prober stops when its context is cancelled or
// Close is called.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Defaults per the gateway configuration surface.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
	DefaultProbePath        = "/v1/models"
	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
)

// Config tunes the passive circuit breaker. Zero values use defaults.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultCooldown
}

// ProbeConfig tunes the active prober.
type ProbeConfig struct {
	Enabled  bool
	Path     string
	Interval time.Duration
	Timeout  time.Duration
}

// BackendState is the snapshot of one backend, exposed to Admin.
type BackendState struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	UnhealthyUntilEpoch int64  `json:"unhealthy_until_epoch"`
	ProbeHealthy        *bool  `json:"health_check_healthy,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

type backendState struct {
	mu sync.Mutex

	consecutiveFailures int
	unhealthyUntil      time.Time
	probeHealthy        *bool
	lastError           string
}

// Supervisor owns passive and active health state for all backends.
// Safe for concurrent use.
type Supervisor struct {
	mu     sync.RWMutex
	states map[string]*backendState

	cfg Config
	log *slog.Logger
	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Supervisor tracking the named backends.
func New(names []string, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		states: make(map[string]*backendState, len(names)),
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, name := range names {
		s.states[name] = &backendState{}
	}
	return s
}

func (s *Supervisor) state(name string) *backendState {
	s.mu.RLock()
	st := s.states[name]
	s.mu.RUnlock()
	if st != nil {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.states[name]; st == nil {
		st = &backendState{}
		s.states[name] = st
	}
	return st
}

// RecordSuccess resets the failure counter and closes the circuit.
func (s *Supervisor) RecordSuccess(name string) {
	st := s.state(name)
	st.mu.Lock()
	st.consecutiveFailures = 0
	st.unhealthyUntil = time.Time{}
	st.mu.Unlock()
}

// RecordFailure counts one breaker-eligible failure (5xx or network error)
// and opens the circuit when the threshold is reached.
func (s *Supervisor) RecordFailure(name string, cause string) {
	st := s.state(name)
	st.mu.Lock()
	st.consecutiveFailures++
	st.lastError = cause
	opened := false
	if st.consecutiveFailures >= s.cfg.failureThreshold() {
		st.unhealthyUntil = s.now().Add(s.cfg.cooldown())
		opened = true
	}
	failures := st.consecutiveFailures
	st.mu.Unlock()

	if opened {
		s.log.Warn("circuit_opened",
			slog.String("backend", name),
			slog.Int("consecutive_failures", failures),
			slog.Duration("cooldown", s.cfg.cooldown()),
		)
	}
}

// CircuitOpen reports whether the passive breaker currently rejects name.
func (s *Supervisor) CircuitOpen(name string) bool {
	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.unhealthyUntil.After(s.now())
}

// ProbeUnhealthy reports whether the active prober has explicitly marked
// name unhealthy. Backends never probed are not unhealthy.
func (s *Supervisor) ProbeUnhealthy(name string) bool {
	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.probeHealthy != nil && !*st.probeHealthy
}

// Available reports whether name passes both filters.
func (s *Supervisor) Available(name string) bool {
	return !s.CircuitOpen(name) && !s.ProbeUnhealthy(name)
}

// Snapshot returns the current state of every tracked backend.
func (s *Supervisor) Snapshot() map[string]BackendState {
	s.mu.RLock()
	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]BackendState, len(names))
	for _, name := range names {
		st := s.state(name)
		st.mu.Lock()
		snap := BackendState{
			ConsecutiveFailures: st.consecutiveFailures,
			LastError:           st.lastError,
		}
		if !st.unhealthyUntil.IsZero() {
			snap.UnhealthyUntilEpoch = st.unhealthyUntil.Unix()
		}
		if st.probeHealthy != nil {
			healthy := *st.probeHealthy
			snap.ProbeHealthy = &healthy
		}
		st.mu.Unlock()
		out[name] = snap
	}
	return out
}

// Reset clears all state for name, or for every backend when name is "".
func (s *Supervisor) Reset(name string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n, st := range s.states {
		if name != "" && n != name {
			continue
		}
		st.mu.Lock()
		st.consecutiveFailures = 0
		st.unhealthyUntil = time.Time{}
		st.probeHealthy = nil
		st.lastError = ""
		st.mu.Unlock()
	}
}

func (s *Supervisor) setProbeResult(name string, healthy bool, cause string) {
	st := s.state(name)
	st.mu.Lock()
	st.probeHealthy = &healthy
	if !healthy {
		st.lastError = cause
	}
	st.mu.Unlock()
}

// probeFunc checks one backend; nil error means healthy.
type probeFunc func(ctx context.Context, baseURL string) error

// StartProber launches the background probe loop over targets
// (backend name -> base URL). The loop stops when ctx is cancelled or
// Close is called. The first sweep runs synchronously so state is never
// "unknown" right after boot.
func (s *Supervisor) StartProber(ctx context.Context, targets map[string]string, cfg ProbeConfig) {
	if !cfg.Enabled || len(targets) == 0 {
		return
	}
	if cfg.Path == "" {
		cfg.Path = DefaultProbePath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}

	client := &fasthttp.Client{
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	probe := func(_ context.Context, baseURL string) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.Header.SetMethod(fasthttp.MethodGet)
		req.SetRequestURI(strings.TrimSuffix(baseURL, "/") + cfg.Path)
		if err := client.DoTimeout(req, resp, cfg.Timeout); err != nil {
			return err
		}
		if code := resp.StatusCode(); code < 200 || code > 299 {
			return fmt.Errorf("status %d", code)
		}
		return nil
	}
	s.startProberWith(ctx, targets, cfg, probe)
}

func (s *Supervisor) startProberWith(ctx context.Context, targets map[string]string, cfg ProbeConfig, probe probeFunc) {
	s.sweep(ctx, targets, cfg, probe)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx, targets, cfg, probe)
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// sweep probes every target in parallel.
func (s *Supervisor) sweep(ctx context.Context, targets map[string]string, cfg ProbeConfig, probe probeFunc) {
	var wg sync.WaitGroup
	for name, baseURL := range targets {
		wg.Add(1)
		go func(name, baseURL string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
			if err := probe(probeCtx, baseURL); err != nil {
				s.setProbeResult(name, false, err.Error())
				return
			}
			s.setProbeResult(name, true, "")
		}(name, baseURL)
	}
	wg.Wait()
}

// Close stops the prober goroutine, if one is running.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
