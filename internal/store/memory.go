package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process backend. Single node, non-persistent, safe for
// concurrent use. Suited to local development and tests; a multi-replica
// deployment needs the Redis backend so replicas share counters and ledgers.
type Memory struct {
	mu sync.Mutex

	keys       map[string]VirtualKey // id -> key
	tokenIndex map[string]string     // token -> id

	rate map[string]*rateWindow // scope|window -> counters

	ledgers      map[string]*Ledger
	reservations map[string]*memReservation

	audit     []AuditRecord
	auditSeq  int64
	auditHash string

	cache map[string]memCacheItem

	closed bool
}

type rateWindow struct {
	requests int64
	tokens   int64
}

type memReservation struct {
	res   Reservation
	state resState
}

type resState int

const (
	resLive resState = iota
	resCommitted
	resRolledBack
)

type memCacheItem struct {
	data      []byte
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:         make(map[string]VirtualKey),
		tokenIndex:   make(map[string]string),
		rate:         make(map[string]*rateWindow),
		ledgers:      make(map[string]*Ledger),
		reservations: make(map[string]*memReservation),
		cache:        make(map[string]memCacheItem),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ── KeyStore ──────────────────────────────────────────────────────────────────

func (m *Memory) ListKeys(context.Context) ([]VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VirtualKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetKeyByToken(_ context.Context, token string) (VirtualKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokenIndex[token]
	if !ok {
		return VirtualKey{}, false, nil
	}
	k, ok := m.keys[id]
	return k, ok, nil
}

func (m *Memory) UpsertKey(_ context.Context, key VirtualKey) error {
	if key.ID == "" {
		return fmt.Errorf("store: virtual key id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.keys[key.ID]; ok && old.Token != key.Token {
		delete(m.tokenIndex, old.Token)
	}
	m.keys[key.ID] = key
	m.tokenIndex[key.Token] = key.ID
	return nil
}

func (m *Memory) DeleteKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.keys[id]; ok {
		delete(m.tokenIndex, old.Token)
		delete(m.keys, id)
	}
	return nil
}

func (m *Memory) RetainKeys(_ context.Context, ids []string) error {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range m.keys {
		if _, ok := keep[id]; !ok {
			delete(m.tokenIndex, k.Token)
			delete(m.keys, id)
		}
	}
	return nil
}

// ── RateLimitStore ────────────────────────────────────────────────────────────

func rateKey(scope string, window int64) string {
	return fmt.Sprintf("%s|%d", scope, window)
}

func (m *Memory) window(scope string, window int64) *rateWindow {
	k := rateKey(scope, window)
	w, ok := m.rate[k]
	if !ok {
		w = &rateWindow{}
		m.rate[k] = w
		// Windows more than two minutes old can no longer serve any
		// read; prune them so the map does not grow without bound.
		if len(m.rate) > 4096 {
			for old := range m.rate {
				if i := strings.LastIndexByte(old, '|'); i >= 0 {
					if wid, err := strconv.ParseInt(old[i+1:], 10, 64); err == nil && wid < window-2 {
						delete(m.rate, old)
					}
				}
			}
		}
	}
	return w
}

func (m *Memory) IncrRequests(_ context.Context, scope string, window, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(scope, window)
	next := w.requests + 1
	if limit > 0 && next > limit {
		return w.requests, ErrLimitExceeded
	}
	w.requests = next
	return next, nil
}

func (m *Memory) IncrTokens(_ context.Context, scope string, window, n, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(scope, window)
	next := w.tokens + n
	if limit > 0 && next > limit {
		return w.tokens, ErrLimitExceeded
	}
	w.tokens = next
	return next, nil
}

func (m *Memory) ReleaseRequests(_ context.Context, scope string, window int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.rate[rateKey(scope, window)]; ok && w.requests > 0 {
		w.requests--
	}
	return nil
}

func (m *Memory) ReleaseTokens(_ context.Context, scope string, window, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.rate[rateKey(scope, window)]; ok {
		w.tokens -= n
		if w.tokens < 0 {
			w.tokens = 0
		}
	}
	return nil
}

func (m *Memory) WindowCounts(_ context.Context, scope string, window int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rate[rateKey(scope, window)]
	if !ok {
		return 0, 0, nil
	}
	return w.requests, w.tokens, nil
}

// ── BudgetStore ───────────────────────────────────────────────────────────────

func (m *Memory) ledger(scope string) *Ledger {
	l, ok := m.ledgers[scope]
	if !ok {
		l = &Ledger{ScopeKey: scope}
		m.ledgers[scope] = l
	}
	return l
}

func (m *Memory) Reserve(_ context.Context, res Reservation, caps Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[res.ID]; ok {
		return nil // idempotent re-reserve
	}
	l := m.ledger(res.ScopeKey)
	if caps.TotalTokens > 0 && l.SpentTokens+l.ReservedTokens+res.Tokens > caps.TotalTokens {
		return ErrInsufficientQuota
	}
	if caps.TotalUSDMicros > 0 && l.SpentUSDMicros+l.ReservedUSDMicros+res.USDMicros > caps.TotalUSDMicros {
		return ErrInsufficientQuota
	}
	l.ReservedTokens += res.Tokens
	l.ReservedUSDMicros += res.USDMicros
	m.reservations[res.ID] = &memReservation{res: res}
	return nil
}

func (m *Memory) Commit(_ context.Context, id string, actualTokens, actualUSDMicros uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.state != resLive {
		return nil // idempotent
	}
	l := m.ledger(r.res.ScopeKey)
	if actualTokens > r.res.Tokens {
		actualTokens = r.res.Tokens
	}
	if actualUSDMicros > r.res.USDMicros {
		actualUSDMicros = r.res.USDMicros
	}
	l.SpentTokens += actualTokens
	l.SpentUSDMicros += actualUSDMicros
	l.ReservedTokens = subFloor(l.ReservedTokens, r.res.Tokens)
	l.ReservedUSDMicros = subFloor(l.ReservedUSDMicros, r.res.USDMicros)
	r.state = resCommitted
	return nil
}

func (m *Memory) Rollback(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.state != resLive {
		return nil
	}
	l := m.ledger(r.res.ScopeKey)
	l.ReservedTokens = subFloor(l.ReservedTokens, r.res.Tokens)
	l.ReservedUSDMicros = subFloor(l.ReservedUSDMicros, r.res.USDMicros)
	r.state = resRolledBack
	return nil
}

func (m *Memory) GetLedger(_ context.Context, scope string) (Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[scope]; ok {
		return *l, nil
	}
	return Ledger{ScopeKey: scope}, nil
}

func (m *Memory) ListReservationsOlderThan(_ context.Context, cutoffMs int64, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.reservations {
		if r.state == resLive && r.res.CreatedMs < cutoffMs {
			out = append(out, r.res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedMs < out[j].CreatedMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ── AuditStore ────────────────────────────────────────────────────────────────

func (m *Memory) AppendAudit(_ context.Context, kind string, payload any) (AuditRecord, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return AuditRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	rec := AuditRecord{
		ID:       m.auditSeq,
		TsMs:     time.Now().UnixMilli(),
		Kind:     kind,
		Payload:  json.RawMessage(canonical),
		PrevHash: m.auditHash,
		Hash:     ChainHash(m.auditHash, canonical),
	}
	m.audit = append(m.audit, rec)
	m.auditHash = rec.Hash
	return rec, nil
}

func (m *Memory) ListAudit(_ context.Context, limit int, since, before int64) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditRecord
	for _, rec := range m.audit {
		if since > 0 && rec.ID <= since {
			continue
		}
		if before > 0 && rec.ID >= before {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ExportAuditJSONL(ctx context.Context, w io.Writer, since, before int64) error {
	records, err := m.ListAudit(ctx, 0, since, before)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("store: export audit: %w", err)
		}
	}
	return nil
}

func (m *Memory) DeleteAuditOlderThan(_ context.Context, cutoffMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var deleted int64
	for _, rec := range m.audit {
		if rec.TsMs < cutoffMs {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.audit = kept
	return deleted, nil
}

// ── CacheStore ────────────────────────────────────────────────────────────────

func (m *Memory) CacheGet(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		delete(m.cache, key)
		return nil, false
	}
	return item.data, true
}

func (m *Memory) CachePut(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.mu.Lock()
	m.cache[key] = memCacheItem{data: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) CacheDel(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CachePurgeAll(context.Context) (int64, error) {
	m.mu.Lock()
	n := int64(len(m.cache))
	m.cache = make(map[string]memCacheItem)
	m.mu.Unlock()
	return n, nil
}
