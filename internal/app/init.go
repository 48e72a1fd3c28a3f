package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/ditto-gateway/internal/cache"
	"github.com/nulpointcorp/ditto-gateway/internal/config"
	"github.com/nulpointcorp/ditto-gateway/internal/guardrails"
	"github.com/nulpointcorp/ditto-gateway/internal/health"
	"github.com/nulpointcorp/ditto-gateway/internal/metrics"
	"github.com/nulpointcorp/ditto-gateway/internal/obs"
	"github.com/nulpointcorp/ditto-gateway/internal/pricing"
	"github.com/nulpointcorp/ditto-gateway/internal/proxy"
	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// initStore selects and connects the durable state backend.
func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "memory":
		a.st = store.NewMemory()
		a.log.Info("store backend: memory (non-persistent)")

	case "sqlite":
		st, err := store.NewSQLite(a.cfg.Store.SQLitePath, a.cfg.Store.ReservationTTL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreInit, err)
		}
		a.st = st
		a.log.Info("store backend: sqlite", slog.String("path", a.cfg.Store.SQLitePath))

	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))
		st, err := store.NewRedisFromURL(ctx, a.cfg.Store.RedisURL, store.RedisOptions{
			ReservationTTL: a.cfg.Store.ReservationTTL,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreInit, err)
		}
		a.st = st
		a.log.Info("redis connected")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	if err := a.st.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	return nil
}

// initKeys loads the virtual key registry. Keys already present in the
// store win over config; config keys absent from the store are upserted.
// Guardrail settings are compiled here so bad regexes fail the boot.
func (a *App) initKeys(ctx context.Context) error {
	existing, err := a.st.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	inStore := make(map[string]bool, len(existing))
	for _, k := range existing {
		inStore[k.ID] = true
	}

	for _, key := range a.cfg.VirtualKeys {
		if _, err := guardrails.Compile(key.Guardrails); err != nil {
			return fmt.Errorf("virtual key %q: %v", key.ID, err)
		}
		if inStore[key.ID] {
			continue // store overrides config
		}
		if err := a.st.UpsertKey(ctx, key); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreInit, err)
		}
	}

	a.log.Info("virtual keys loaded",
		slog.Int("config", len(a.cfg.VirtualKeys)),
		slog.Int("store", len(existing)),
	)
	return nil
}

// initServices creates pricing, cache, metrics, the event emitter, and the
// health supervisor (with its optional active prober).
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.PricingPath != "" {
		table, err := pricing.LoadFile(a.cfg.PricingPath)
		if err != nil {
			return err
		}
		a.pricing = table
		a.log.Info("pricing table loaded",
			slog.String("path", a.cfg.PricingPath),
			slog.Int("models", table.Len()),
		)
	}

	if a.cfg.Cache.Enabled || cacheAnyKeyEnabled(a.cfg) {
		l1 := cache.NewL1(a.cfg.Cache.MaxTotalBytes, a.cfg.Cache.MaxEntryBytes)
		var l2 store.CacheStore
		if a.cfg.Cache.Shared {
			l2 = a.st
		}
		a.cache = cache.NewLayered(l1, l2, a.log)
		a.log.Info("response cache enabled",
			slog.Bool("shared", a.cfg.Cache.Shared),
			slog.Int("l1_total_bytes", a.cfg.Cache.MaxTotalBytes),
		)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	sinks := []obs.Sink{&obs.SlogSink{Log: a.log}}
	if a.cfg.ClickHouseDSN != "" {
		sink, err := obs.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.chSink = sink
		sinks = append(sinks, sink)
		a.log.Info("clickhouse event sink enabled")
	}
	a.emitter = obs.NewEmitter(a.baseCtx, a.log, sinks...)

	names := make([]string, 0, len(a.cfg.Backends))
	targets := make(map[string]string, len(a.cfg.Backends))
	for _, b := range a.cfg.Backends {
		names = append(names, b.Name)
		targets[b.Name] = b.BaseURL
	}
	a.sup = health.New(names, health.Config{
		FailureThreshold: a.cfg.Health.FailureThreshold,
		Cooldown:         a.cfg.Health.Cooldown,
	}, a.log)
	a.sup.StartProber(a.baseCtx, targets, health.ProbeConfig{
		Enabled:  a.cfg.Health.ActiveEnabled,
		Path:     a.cfg.Health.ProbePath,
		Interval: a.cfg.Health.ProbeInterval,
		Timeout:  a.cfg.Health.ProbeTimeout,
	})

	return nil
}

// cacheAnyKeyEnabled reports whether any configured key opts into caching,
// which requires the cache tiers even when the global flag is off.
func cacheAnyKeyEnabled(cfg *config.Config) bool {
	for _, k := range cfg.VirtualKeys {
		if k.Cache.Enabled {
			return true
		}
	}
	return false
}

// initGateway wires the Gateway and management routes.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(a.baseCtx, a.cfg, a.st, a.sup, proxy.Options{
		Logger:  a.log,
		Metrics: a.prom,
		Emitter: a.emitter,
		Pricing: a.pricing,
		Cache:   a.cache,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
		Admin:   proxy.NewAdmin(a.gw, a.cfg.AdminToken),
	}
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@host:6379" -> "redis://***@host:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
