package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout for the Redis backend. Everything lives under the ditto:
// prefix so a shared Redis can host other tenants.
const (
	redisKeysHash     = "ditto:keys"    // id -> virtual key JSON
	redisTokenIndex   = "ditto:keytok"  // token -> id
	redisRatePrefix   = "ditto:rate:"   // + scope:window, hash {r, t}
	redisLedgerPrefix = "ditto:ledger:" // + scope, hash {st, rt, su, ru}
	redisResvPrefix   = "ditto:resv:"   // + id, hash {scope, tok, usd, state, created_ms}
	redisResvIndex    = "ditto:resvidx" // zset id scored by created_ms
	redisAuditList    = "ditto:audit"
	redisAuditSeq     = "ditto:audit:seq"
	redisAuditHash    = "ditto:audit:lasthash"
	redisCachePrefix  = "ditto:cache:"

	// rateCounterTTL keeps counters alive well past the window they serve
	// so the sliding-window read can still see the previous minute.
	rateCounterTTL = 150 * time.Second
)

// rateIncrScript atomically bumps one counter field inside a minute window,
// rejecting increments that would cross the limit.
// KEYS[1] window hash; ARGV[1] field, ARGV[2] n, ARGV[3] limit, ARGV[4] ttl ms.
// Returns {1, new} on success, {0, current} when over limit.
var rateIncrScript = redis.NewScript(`
	local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
	local n = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	if limit > 0 and cur + n > limit then
		return {0, cur}
	end
	local next = redis.call('HINCRBY', KEYS[1], ARGV[1], n)
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
	return {1, next}
`)

// rateReleaseScript undoes an earlier increment, clamping at zero.
var rateReleaseScript = redis.NewScript(`
	local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
	local n = tonumber(ARGV[2])
	if n > cur then n = cur end
	if n > 0 then
		redis.call('HINCRBY', KEYS[1], ARGV[1], -n)
	end
	return 1
`)

// budgetReserveScript admits a reservation with a CAS over the scope ledger.
// KEYS[1] ledger, KEYS[2] reservation, KEYS[3] reservation index.
// ARGV: tokens, usd, capTokens, capUSD, createdMs, ttlMs, scope, id.
// Returns 1 admitted (or already present), 0 insufficient quota.
var budgetReserveScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return 1
	end
	local st = tonumber(redis.call('HGET', KEYS[1], 'st') or '0')
	local rt = tonumber(redis.call('HGET', KEYS[1], 'rt') or '0')
	local su = tonumber(redis.call('HGET', KEYS[1], 'su') or '0')
	local ru = tonumber(redis.call('HGET', KEYS[1], 'ru') or '0')
	local tok = tonumber(ARGV[1])
	local usd = tonumber(ARGV[2])
	local ct = tonumber(ARGV[3])
	local cu = tonumber(ARGV[4])
	if ct > 0 and st + rt + tok > ct then return 0 end
	if cu > 0 and su + ru + usd > cu then return 0 end
	redis.call('HINCRBY', KEYS[1], 'rt', tok)
	redis.call('HINCRBY', KEYS[1], 'ru', usd)
	redis.call('HSET', KEYS[2], 'scope', ARGV[7], 'tok', ARGV[1], 'usd', ARGV[2], 'state', 'live', 'created_ms', ARGV[5])
	redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[6]))
	redis.call('ZADD', KEYS[3], tonumber(ARGV[5]), ARGV[8])
	return 1
`)

// budgetSettleScript commits or rolls back a live reservation. Terminal
// records are kept (with a TTL) so repeated settles stay no-ops.
// KEYS[1] reservation, KEYS[2] reservation index.
// ARGV: mode, actualTok, actualUsd, ledgerPrefix, id, terminalTtlMs.
var budgetSettleScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state or state ~= 'live' then
		return 0
	end
	local scope = redis.call('HGET', KEYS[1], 'scope')
	local tok = tonumber(redis.call('HGET', KEYS[1], 'tok') or '0')
	local usd = tonumber(redis.call('HGET', KEYS[1], 'usd') or '0')
	local lkey = ARGV[4] .. scope
	if ARGV[1] == 'commit' then
		local at = math.min(tonumber(ARGV[2]), tok)
		local au = math.min(tonumber(ARGV[3]), usd)
		redis.call('HINCRBY', lkey, 'st', at)
		redis.call('HINCRBY', lkey, 'su', au)
	end
	local rt = tonumber(redis.call('HGET', lkey, 'rt') or '0')
	local ru = tonumber(redis.call('HGET', lkey, 'ru') or '0')
	redis.call('HSET', lkey, 'rt', math.max(0, rt - tok))
	redis.call('HSET', lkey, 'ru', math.max(0, ru - usd))
	redis.call('HSET', KEYS[1], 'state', ARGV[1])
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[6]))
	redis.call('ZREM', KEYS[2], ARGV[5])
	return 1
`)

// auditAppendScript appends one record if the chain tail still matches the
// prev hash the caller computed against. The id is assigned inside the
// script so list order and id order always agree.
// KEYS[1] lasthash, KEYS[2] seq, KEYS[3] list.
// ARGV[1] expected prev, ARGV[2] new hash, ARGV[3] record JSON tail
// (everything after the id field). Returns the id, or -1 on a lost race.
var auditAppendScript = redis.NewScript(`
	local prev = redis.call('GET', KEYS[1]) or ''
	if prev ~= ARGV[1] then
		return -1
	end
	local id = redis.call('INCR', KEYS[2])
	redis.call('RPUSH', KEYS[3], string.format('{"id":%d,%s', id, ARGV[3]))
	redis.call('SET', KEYS[1], ARGV[2])
	return id
`)

// keyUpsertScript keeps the token index consistent with the key hash.
// KEYS[1] keys hash, KEYS[2] token index; ARGV: id, token, json.
var keyUpsertScript = redis.NewScript(`
	local old = redis.call('HGET', KEYS[1], ARGV[1])
	if old then
		local decoded = cjson.decode(old)
		if decoded.token and decoded.token ~= ARGV[2] then
			redis.call('HDEL', KEYS[2], decoded.token)
		end
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
	return 1
`)

// Redis is the shared networked backend. All replicas of the gateway point
// at the same instance so counters and ledgers are globally consistent.
type Redis struct {
	client *redis.Client

	// opTimeout bounds every single store operation; callers never hold a
	// connection across more than one command round-trip.
	opTimeout time.Duration

	// resvTTL bounds reservation lifetime; must be >= the longest expected
	// request so the reaper never races a live request.
	resvTTL time.Duration
}

// RedisOptions tunes the Redis backend. Zero values use defaults.
type RedisOptions struct {
	OpTimeout      time.Duration // default 2s
	ReservationTTL time.Duration // default 10m
}

// NewRedisFromClient wraps an existing client. The caller owns its lifecycle
// only when it also created it; Close closes the client.
func NewRedisFromClient(client *redis.Client, opts RedisOptions) *Redis {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 10 * time.Minute
	}
	return &Redis{client: client, opTimeout: opts.OpTimeout, resvTTL: opts.ReservationTTL}
}

// NewRedisFromURL parses url, verifies connectivity with a PING, and returns
// the backend. Returns an error when the URL is invalid or the ping fails.
func NewRedisFromURL(ctx context.Context, url string, opts RedisOptions) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return NewRedisFromClient(client, opts), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// ── KeyStore ──────────────────────────────────────────────────────────────────

func (r *Redis) ListKeys(ctx context.Context) ([]VirtualKey, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	raw, err := r.client.HGetAll(ctx, redisKeysHash).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	out := make([]VirtualKey, 0, len(raw))
	for _, v := range raw {
		var k VirtualKey
		if err := json.Unmarshal([]byte(v), &k); err != nil {
			return nil, fmt.Errorf("store: decode key: %w", err)
		}
		out = append(out, k)
	}
	sortKeys(out)
	return out, nil
}

func (r *Redis) GetKeyByToken(ctx context.Context, token string) (VirtualKey, bool, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	id, err := r.client.HGet(ctx, redisTokenIndex, token).Result()
	if errors.Is(err, redis.Nil) {
		return VirtualKey{}, false, nil
	}
	if err != nil {
		return VirtualKey{}, false, fmt.Errorf("store: token lookup: %w", err)
	}
	raw, err := r.client.HGet(ctx, redisKeysHash, id).Result()
	if errors.Is(err, redis.Nil) {
		return VirtualKey{}, false, nil
	}
	if err != nil {
		return VirtualKey{}, false, fmt.Errorf("store: key lookup: %w", err)
	}
	var k VirtualKey
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		return VirtualKey{}, false, fmt.Errorf("store: decode key: %w", err)
	}
	return k, true, nil
}

func (r *Redis) UpsertKey(ctx context.Context, key VirtualKey) error {
	if key.ID == "" {
		return fmt.Errorf("store: virtual key id must not be empty")
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("store: encode key: %w", err)
	}
	ctx, cancel := r.op(ctx)
	defer cancel()
	return keyUpsertScript.Run(ctx, r.client,
		[]string{redisKeysHash, redisTokenIndex},
		key.ID, key.Token, string(raw)).Err()
}

func (r *Redis) DeleteKey(ctx context.Context, id string) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	raw, err := r.client.HGet(ctx, redisKeysHash, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: delete key: %w", err)
	}
	var k VirtualKey
	if err := json.Unmarshal([]byte(raw), &k); err == nil && k.Token != "" {
		_ = r.client.HDel(ctx, redisTokenIndex, k.Token).Err()
	}
	return r.client.HDel(ctx, redisKeysHash, id).Err()
}

func (r *Redis) RetainKeys(ctx context.Context, ids []string) error {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	existing, err := r.ListKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range existing {
		if _, ok := keep[k.ID]; !ok {
			if err := r.DeleteKey(ctx, k.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ── RateLimitStore ────────────────────────────────────────────────────────────

func redisRateKey(scope string, window int64) string {
	return fmt.Sprintf("%s%s:%d", redisRatePrefix, scope, window)
}

func (r *Redis) rateIncr(ctx context.Context, scope string, window int64, field string, n, limit int64) (int64, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	res, err := rateIncrScript.Run(ctx, r.client,
		[]string{redisRateKey(scope, window)},
		field, n, limit, rateCounterTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("store: rate incr: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return res[1], ErrLimitExceeded
	}
	return res[1], nil
}

func (r *Redis) IncrRequests(ctx context.Context, scope string, window, limit int64) (int64, error) {
	return r.rateIncr(ctx, scope, window, "r", 1, limit)
}

func (r *Redis) IncrTokens(ctx context.Context, scope string, window, n, limit int64) (int64, error) {
	return r.rateIncr(ctx, scope, window, "t", n, limit)
}

func (r *Redis) ReleaseRequests(ctx context.Context, scope string, window int64) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	return rateReleaseScript.Run(ctx, r.client,
		[]string{redisRateKey(scope, window)}, "r", 1).Err()
}

func (r *Redis) ReleaseTokens(ctx context.Context, scope string, window, n int64) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	return rateReleaseScript.Run(ctx, r.client,
		[]string{redisRateKey(scope, window)}, "t", n).Err()
}

func (r *Redis) WindowCounts(ctx context.Context, scope string, window int64) (int64, int64, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	vals, err := r.client.HMGet(ctx, redisRateKey(scope, window), "r", "t").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("store: window counts: %w", err)
	}
	return asInt64(vals[0]), asInt64(vals[1]), nil
}

func asInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// ── BudgetStore ───────────────────────────────────────────────────────────────

func (r *Redis) Reserve(ctx context.Context, res Reservation, caps Budget) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	ok, err := budgetReserveScript.Run(ctx, r.client,
		[]string{redisLedgerPrefix + res.ScopeKey, redisResvPrefix + res.ID, redisResvIndex},
		res.Tokens, res.USDMicros, caps.TotalTokens, caps.TotalUSDMicros,
		res.CreatedMs, r.resvTTL.Milliseconds(), res.ScopeKey, res.ID).Int64()
	if err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	if ok == 0 {
		return ErrInsufficientQuota
	}
	return nil
}

func (r *Redis) settle(ctx context.Context, id, mode string, actualTokens, actualUSDMicros uint64) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	return budgetSettleScript.Run(ctx, r.client,
		[]string{redisResvPrefix + id, redisResvIndex},
		mode, actualTokens, actualUSDMicros, redisLedgerPrefix, id,
		r.resvTTL.Milliseconds()).Err()
}

func (r *Redis) Commit(ctx context.Context, id string, actualTokens, actualUSDMicros uint64) error {
	return r.settle(ctx, id, "commit", actualTokens, actualUSDMicros)
}

func (r *Redis) Rollback(ctx context.Context, id string) error {
	return r.settle(ctx, id, "rollback", 0, 0)
}

func (r *Redis) GetLedger(ctx context.Context, scope string) (Ledger, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	vals, err := r.client.HMGet(ctx, redisLedgerPrefix+scope, "st", "rt", "su", "ru").Result()
	if err != nil {
		return Ledger{}, fmt.Errorf("store: ledger: %w", err)
	}
	return Ledger{
		ScopeKey:          scope,
		SpentTokens:       uint64(asInt64(vals[0])),
		ReservedTokens:    uint64(asInt64(vals[1])),
		SpentUSDMicros:    uint64(asInt64(vals[2])),
		ReservedUSDMicros: uint64(asInt64(vals[3])),
	}, nil
}

func (r *Redis) ListReservationsOlderThan(ctx context.Context, cutoffMs int64, limit int) ([]Reservation, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	var stop int64 = -1
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRangeByScore(ctx, redisResvIndex, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("(%d", cutoffMs),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list reservations: %w", err)
	}
	if stop >= 0 && int64(len(ids)) > stop+1 {
		ids = ids[:stop+1]
	}
	out := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		vals, err := r.client.HGetAll(ctx, redisResvPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("store: read reservation: %w", err)
		}
		if len(vals) == 0 || vals["state"] != "live" {
			// Expired or already settled; drop the stale index entry.
			_ = r.client.ZRem(ctx, redisResvIndex, id).Err()
			continue
		}
		out = append(out, Reservation{
			ID:        id,
			ScopeKey:  vals["scope"],
			Tokens:    uint64(asInt64Str(vals["tok"])),
			USDMicros: uint64(asInt64Str(vals["usd"])),
			CreatedMs: asInt64Str(vals["created_ms"]),
		})
	}
	return out, nil
}

func asInt64Str(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// ── AuditStore ────────────────────────────────────────────────────────────────

func (r *Redis) AppendAudit(ctx context.Context, kind string, payload any) (AuditRecord, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return AuditRecord{}, err
	}
	tsMs := time.Now().UnixMilli()

	// Optimistic retry: compute the hash against the observed chain tail;
	// the script refuses the append when another replica moved the tail.
	for attempt := 0; attempt < 16; attempt++ {
		opCtx, cancel := r.op(ctx)
		prev, err := r.client.Get(opCtx, redisAuditHash).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			cancel()
			return AuditRecord{}, fmt.Errorf("store: audit tail: %w", err)
		}
		hash := ChainHash(prev, canonical)
		tail := fmt.Sprintf(`"ts_ms":%d,"kind":%s,"payload":%s,"prev_hash":%q,"hash":%q}`,
			tsMs, mustJSON(kind), canonical, prev, hash)
		id, err := auditAppendScript.Run(opCtx, r.client,
			[]string{redisAuditHash, redisAuditSeq, redisAuditList},
			prev, hash, tail).Int64()
		cancel()
		if err != nil {
			return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
		}
		if id >= 0 {
			return AuditRecord{
				ID: id, TsMs: tsMs, Kind: kind,
				Payload: json.RawMessage(canonical), PrevHash: prev, Hash: hash,
			}, nil
		}
	}
	return AuditRecord{}, fmt.Errorf("store: audit append: chain contention")
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (r *Redis) ListAudit(ctx context.Context, limit int, since, before int64) ([]AuditRecord, error) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	raw, err := r.client.LRange(ctx, redisAuditList, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: audit list: %w", err)
	}
	var out []AuditRecord
	for _, line := range raw {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("store: decode audit record: %w", err)
		}
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

func (r *Redis) ExportAuditJSONL(ctx context.Context, w io.Writer, since, before int64) error {
	records, err := r.ListAudit(ctx, 0, since, before)
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

func (r *Redis) DeleteAuditOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	var deleted int64
	for {
		opCtx, cancel := r.op(ctx)
		head, err := r.client.LIndex(opCtx, redisAuditList, 0).Result()
		if errors.Is(err, redis.Nil) {
			cancel()
			return deleted, nil
		}
		if err != nil {
			cancel()
			return deleted, fmt.Errorf("store: audit retention: %w", err)
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(head), &rec); err != nil || rec.TsMs >= cutoffMs {
			cancel()
			return deleted, nil
		}
		if err := r.client.LPop(opCtx, redisAuditList).Err(); err != nil {
			cancel()
			return deleted, fmt.Errorf("store: audit retention: %w", err)
		}
		cancel()
		deleted++
	}
}

// ── CacheStore ────────────────────────────────────────────────────────────────

func (r *Redis) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := r.op(ctx)
	defer cancel()
	val, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *Redis) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	// Degrade gracefully: the proxy must keep working when the shared
	// cache tier is unavailable.
	_ = r.client.Set(ctx, redisCachePrefix+key, value, ttl).Err()
	return nil
}

func (r *Redis) CacheDel(ctx context.Context, key string) error {
	ctx, cancel := r.op(ctx)
	defer cancel()
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *Redis) CachePurgeAll(ctx context.Context) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		opCtx, cancel := r.op(ctx)
		keys, next, err := r.client.Scan(opCtx, cursor, redisCachePrefix+"*", 500).Result()
		if err != nil {
			cancel()
			return deleted, fmt.Errorf("store: cache purge: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(opCtx, keys...).Result()
			if err != nil {
				cancel()
				return deleted, fmt.Errorf("store: cache purge: %w", err)
			}
			deleted += n
		}
		cancel()
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func sortKeys(keys []VirtualKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
}
