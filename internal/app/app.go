// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — durable state backend (memory / sqlite / redis)
//  2. initKeys     — virtual key registry (store overrides config)
//  3. initServices — pricing, cache, metrics, event emitter, health
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ditto-gateway/internal/cache"
	"github.com/nulpointcorp/ditto-gateway/internal/config"
	"github.com/nulpointcorp/ditto-gateway/internal/health"
	"github.com/nulpointcorp/ditto-gateway/internal/metrics"
	"github.com/nulpointcorp/ditto-gateway/internal/obs"
	"github.com/nulpointcorp/ditto-gateway/internal/pricing"
	"github.com/nulpointcorp/ditto-gateway/internal/proxy"
	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// ErrStoreInit marks a store connectivity failure at start; the process
// maps it to exit code 3.
var ErrStoreInit = errors.New("store connectivity failed")

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	cancel  context.CancelFunc
	log     *slog.Logger

	st      store.Store
	sup     *health.Supervisor
	prom    *metrics.Registry
	emitter *obs.Emitter
	chSink  *obs.ClickHouseSink
	pricing *pricing.Table
	cache   *cache.Layered

	gw   *proxy.Gateway
	mgmt *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &App{cfg: cfg, version: version, baseCtx: ctx, cancel: cancel, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"keys", a.initKeys},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Int("backends", len(a.cfg.Backends)),
		slog.Int("virtual_keys", len(a.cfg.VirtualKeys)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(addr, a.mgmt)
	})

	if a.cfg.AuditRetention > 0 {
		g.Go(func() error {
			a.auditRetentionLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// auditRetentionLoop prunes audit records past the retention window.
func (a *App) auditRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.AuditRetention).UnixMilli()
			deleted, err := a.st.DeleteAuditOlderThan(ctx, cutoff)
			if err != nil {
				a.log.Warn("audit_retention_failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				a.log.Info("audit_retention", slog.Int64("deleted", deleted))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	a.cancel()
	if a.sup != nil {
		a.sup.Close()
		a.sup = nil
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.log.Error("emitter close error", slog.String("error", err.Error()))
		}
		a.emitter = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
