// Package store owns all durable gateway state: virtual keys, rate-limit
// counters, budget ledgers and reservations, the audit log, and the shared
// cache tier.
//
// Three interchangeable backends are available:
//   - Memory — mutex-protected maps, single node, non-persistent.
//   - SQLite — single-file embedded relational store, single node, durable.
//   - Redis  — shared networked KV, consistent across replicas.
//
// Only one backend is active at a time. The proxy pipeline borrows read
// views and submits mutations; counters and ledgers are only ever mutated
// through the atomic primitives below.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrLimitExceeded is returned by rate-counter increments that would
	// cross the supplied limit. The counter is left unchanged.
	ErrLimitExceeded = errors.New("store: limit exceeded")

	// ErrInsufficientQuota is returned by Reserve when admission would
	// violate spent + reserved + amount <= cap on the scope ledger.
	ErrInsufficientQuota = errors.New("store: insufficient quota")

	// ErrNotFound is not returned by the current backends: GetKeyByToken
	// reports an absent key through its found result, and settling an
	// unknown reservation id is a no-op.
	ErrNotFound = errors.New("store: not found")
)

// Limits holds requests-per-minute and tokens-per-minute caps for one scope.
// Zero means unlimited.
type Limits struct {
	RPM int64 `json:"rpm" mapstructure:"rpm"`
	TPM int64 `json:"tpm" mapstructure:"tpm"`
}

// Budget holds token and USD-micros caps for one scope. Zero means unlimited.
type Budget struct {
	TotalTokens    uint64 `json:"total_tokens" mapstructure:"total_tokens"`
	TotalUSDMicros uint64 `json:"total_usd_micros" mapstructure:"total_usd_micros"`
}

// CacheOptions controls per-key response caching.
type CacheOptions struct {
	Enabled    bool  `json:"enabled" mapstructure:"enabled"`
	TTLSeconds int64 `json:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// PassthroughOptions controls raw passthrough behaviour for a key.
type PassthroughOptions struct {
	Allow       bool `json:"allow" mapstructure:"allow"`
	BypassCache bool `json:"bypass_cache" mapstructure:"bypass_cache"`
}

// GuardrailSettings is the raw, uncompiled guardrail configuration attached
// to a virtual key. The guardrails package compiles it at load time.
type GuardrailSettings struct {
	AllowModels    []string `json:"allow_models" mapstructure:"allow_models"`
	DenyModels     []string `json:"deny_models" mapstructure:"deny_models"`
	BannedPhrases  []string `json:"banned_phrases" mapstructure:"banned_phrases"`
	BannedPatterns []string `json:"banned_patterns" mapstructure:"banned_patterns"`
	BlockPII       bool     `json:"block_pii" mapstructure:"block_pii"`
	MaxInputTokens int64    `json:"max_input_tokens" mapstructure:"max_input_tokens"`
	ValidateSchema bool     `json:"validate_schema" mapstructure:"validate_schema"`
}

// VirtualKey is a tenant-owned credential with its governance sub-configs.
type VirtualKey struct {
	ID      string `json:"id" mapstructure:"id"`
	Token   string `json:"token" mapstructure:"token"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`

	TenantID  string `json:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ProjectID string `json:"project_id,omitempty" mapstructure:"project_id"`
	UserID    string `json:"user_id,omitempty" mapstructure:"user_id"`

	Limits        Limits  `json:"limits" mapstructure:"limits"`
	TenantLimits  *Limits `json:"tenant_limits,omitempty" mapstructure:"tenant_limits"`
	ProjectLimits *Limits `json:"project_limits,omitempty" mapstructure:"project_limits"`
	UserLimits    *Limits `json:"user_limits,omitempty" mapstructure:"user_limits"`

	Budget        Budget  `json:"budget" mapstructure:"budget"`
	TenantBudget  *Budget `json:"tenant_budget,omitempty" mapstructure:"tenant_budget"`
	ProjectBudget *Budget `json:"project_budget,omitempty" mapstructure:"project_budget"`
	UserBudget    *Budget `json:"user_budget,omitempty" mapstructure:"user_budget"`

	Cache       CacheOptions       `json:"cache" mapstructure:"cache"`
	Guardrails  GuardrailSettings  `json:"guardrails" mapstructure:"guardrails"`
	Passthrough PassthroughOptions `json:"passthrough" mapstructure:"passthrough"`

	// Route forces all requests for this key to a single backend,
	// bypassing router rules.
	Route string `json:"route,omitempty" mapstructure:"route"`
}

// Ledger is the per-scope budget ledger.
type Ledger struct {
	ScopeKey          string `json:"scope_key"`
	SpentTokens       uint64 `json:"spent_tokens"`
	ReservedTokens    uint64 `json:"reserved_tokens"`
	SpentUSDMicros    uint64 `json:"spent_usd_micros"`
	ReservedUSDMicros uint64 `json:"reserved_usd_micros"`
}

// Reservation is an uncommitted credit held against a scope ledger.
type Reservation struct {
	ID        string `json:"id"`
	ScopeKey  string `json:"scope_key"`
	Tokens    uint64 `json:"tokens"`
	USDMicros uint64 `json:"usd_micros"`
	CreatedMs int64  `json:"created_ms"`
}

// AuditRecord is one hash-chained audit log entry.
type AuditRecord struct {
	ID       int64           `json:"id"`
	TsMs     int64           `json:"ts_ms"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// KeyStore persists virtual keys. Upsert is idempotent by ID.
type KeyStore interface {
	ListKeys(ctx context.Context) ([]VirtualKey, error)
	GetKeyByToken(ctx context.Context, token string) (VirtualKey, bool, error)
	UpsertKey(ctx context.Context, key VirtualKey) error
	DeleteKey(ctx context.Context, id string) error
	// RetainKeys deletes every key whose id is not in ids.
	RetainKeys(ctx context.Context, ids []string) error
}

// RateLimitStore provides atomic minute-window counters. Windows are
// identified by the epoch minute (unix seconds / 60). Counters carried by a
// networked backend must expire no earlier than 120 s after creation.
type RateLimitStore interface {
	// IncrRequests atomically increments the request counter for
	// (scope, window) and returns the new value, or ErrLimitExceeded —
	// leaving the counter untouched — when the increment would cross limit.
	// limit <= 0 means unlimited.
	IncrRequests(ctx context.Context, scope string, window int64, limit int64) (int64, error)

	// IncrTokens behaves like IncrRequests for the token counter.
	IncrTokens(ctx context.Context, scope string, window int64, n, limit int64) (int64, error)

	// ReleaseRequests and ReleaseTokens undo earlier increments when a
	// later scope in the acquisition sequence rejects.
	ReleaseRequests(ctx context.Context, scope string, window int64) error
	ReleaseTokens(ctx context.Context, scope string, window int64, n int64) error

	// WindowCounts reads the counters for (scope, window); absent windows
	// read as zero. Used by the sliding-window route scope.
	WindowCounts(ctx context.Context, scope string, window int64) (requests, tokens int64, err error)
}

// BudgetStore provides the two-phase reservation protocol. All transitions
// are idempotent by reservation id: re-applying a terminal transition with
// the same id is a no-op, and a conflicting transition is also a no-op.
type BudgetStore interface {
	// Reserve admits res against caps (zero cap field = unlimited) with an
	// atomic check of spent + reserved + amount <= cap for both tokens and
	// USD micros. Re-reserving an existing id is a no-op.
	Reserve(ctx context.Context, res Reservation, caps Budget) error

	// Commit moves min(actual, reserved) into spent and releases the full
	// reserved amount.
	Commit(ctx context.Context, id string, actualTokens, actualUSDMicros uint64) error

	// Rollback releases the full reserved amount.
	Rollback(ctx context.Context, id string) error

	GetLedger(ctx context.Context, scope string) (Ledger, error)

	// ListReservationsOlderThan returns up to limit live reservations
	// created before cutoffMs, oldest first.
	ListReservationsOlderThan(ctx context.Context, cutoffMs int64, limit int) ([]Reservation, error)
}

// AuditStore appends hash-chained records. Append computes
// hash = SHA256(prev_hash || canonical_json(payload)).
type AuditStore interface {
	AppendAudit(ctx context.Context, kind string, payload any) (AuditRecord, error)
	// ListAudit returns up to limit records with since < id < before in
	// insertion order. since/before <= 0 mean unbounded.
	ListAudit(ctx context.Context, limit int, since, before int64) ([]AuditRecord, error)
	ExportAuditJSONL(ctx context.Context, w io.Writer, since, before int64) error
	// DeleteAuditOlderThan removes records with ts_ms < cutoffMs and
	// returns how many were deleted.
	DeleteAuditOlderThan(ctx context.Context, cutoffMs int64) (int64, error)
}

// CacheStore is the shared (L2) response cache tier.
type CacheStore interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool)
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheDel(ctx context.Context, key string) error
	// CachePurgeAll removes every cache entry and returns the number
	// removed. The Redis backend deletes in SCAN batches.
	CachePurgeAll(ctx context.Context) (int64, error)
}

// Store is the union of all repositories one backend provides.
type Store interface {
	KeyStore
	RateLimitStore
	BudgetStore
	AuditStore
	CacheStore

	// Ping verifies backend connectivity; used by boot and readiness.
	Ping(ctx context.Context) error
	Close() error
}

// EpochMinute returns the calendar-minute window id for t.
func EpochMinute(t time.Time) int64 {
	return t.Unix() / 60
}
