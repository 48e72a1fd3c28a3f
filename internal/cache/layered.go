package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Layered combines the L1 tier with an optional shared L2 tier.
//
// Lookups try L1 first; an L2 hit is promoted into L1 so subsequent hits
// stay in process. Puts write through to both tiers. L2 failures degrade
// gracefully — the proxy never fails because the shared tier is down.
type Layered struct {
	l1  *L1
	l2  store.CacheStore // nil when no shared tier is configured
	log *slog.Logger
}

// NewLayered creates the two-tier cache. l2 may be nil.
func NewLayered(l1 *L1, l2 store.CacheStore, log *slog.Logger) *Layered {
	if log == nil {
		log = slog.Default()
	}
	return &Layered{l1: l1, l2: l2, log: log}
}

// MaxPerEntry exposes the per-entry byte cap.
func (c *Layered) MaxPerEntry() int { return c.l1.MaxPerEntry() }

// Get returns the cached entry and its source tier.
func (c *Layered) Get(ctx context.Context, key string, ttl time.Duration) (*Entry, string, bool) {
	if entry, ok := c.l1.Get(key); ok {
		return entry, SourceMemory, true
	}
	if c.l2 == nil {
		return nil, "", false
	}
	raw, ok := c.l2.CacheGet(ctx, key)
	if !ok {
		return nil, "", false
	}
	entry, err := DecodeEntry(raw)
	if err != nil {
		c.log.Warn("cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = c.l2.CacheDel(ctx, key)
		return nil, "", false
	}
	c.l1.Put(key, entry, ttl)
	return entry, SourceShared, true
}

// Put stores entry in L1 and mirrors it to the shared tier.
func (c *Layered) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	c.l1.Put(key, entry, ttl)
	if c.l2 == nil {
		return
	}
	raw, err := entry.Encode()
	if err != nil {
		c.log.Warn("cache_encode_error", slog.String("error", err.Error()))
		return
	}
	if err := c.l2.CachePut(ctx, key, raw, ttl); err != nil {
		c.log.Warn("cache_l2_put_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Delete removes key from both tiers.
func (c *Layered) Delete(ctx context.Context, key string) {
	c.l1.Delete(key)
	if c.l2 != nil {
		if err := c.l2.CacheDel(ctx, key); err != nil {
			c.log.Warn("cache_l2_del_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Purge empties both tiers and returns how many entries were removed.
func (c *Layered) Purge(ctx context.Context) int64 {
	n := int64(c.l1.Purge())
	if c.l2 != nil {
		removed, err := c.l2.CachePurgeAll(ctx)
		if err != nil {
			c.log.Warn("cache_l2_purge_error", slog.String("error", err.Error()))
		}
		n += removed
	}
	return n
}
