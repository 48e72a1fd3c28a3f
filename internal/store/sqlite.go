package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the embedded single-node backend. Durable across restarts,
// not shared across replicas. Writers are serialized by SQLite itself;
// reserve/commit run inside transactions so the ledger CAS holds.
type SQLite struct {
	db      *sql.DB
	resvTTL time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS virtual_keys (
	id    TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	data  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS virtual_keys_token ON virtual_keys(token);

CREATE TABLE IF NOT EXISTS rate_counters (
	scope    TEXT NOT NULL,
	window   INTEGER NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	tokens   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, window)
);

CREATE TABLE IF NOT EXISTS budget_ledgers (
	scope               TEXT PRIMARY KEY,
	spent_tokens        INTEGER NOT NULL DEFAULT 0,
	reserved_tokens     INTEGER NOT NULL DEFAULT 0,
	spent_usd_micros    INTEGER NOT NULL DEFAULT 0,
	reserved_usd_micros INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	usd_micros INTEGER NOT NULL,
	created_ms INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT 'live'
);
CREATE INDEX IF NOT EXISTS reservations_created ON reservations(created_ms);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms     INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	payload   TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_ms INTEGER NOT NULL
);
`

// NewSQLite opens (creating if needed) the store file at path.
func NewSQLite(path string, resvTTL time.Duration) (*SQLite, error) {
	if resvTTL <= 0 {
		resvTTL = 10 * time.Minute
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLite{db: db, resvTTL: resvTTL}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }

// ── KeyStore ──────────────────────────────────────────────────────────────────

func (s *SQLite) ListKeys(ctx context.Context) ([]VirtualKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM virtual_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()
	var out []VirtualKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		var k VirtualKey
		if err := json.Unmarshal([]byte(raw), &k); err != nil {
			return nil, fmt.Errorf("store: decode key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLite) GetKeyByToken(ctx context.Context, token string) (VirtualKey, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM virtual_keys WHERE token = ? LIMIT 1`, token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return VirtualKey{}, false, nil
	}
	if err != nil {
		return VirtualKey{}, false, fmt.Errorf("store: key by token: %w", err)
	}
	var k VirtualKey
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		return VirtualKey{}, false, fmt.Errorf("store: decode key: %w", err)
	}
	return k, true, nil
}

func (s *SQLite) UpsertKey(ctx context.Context, key VirtualKey) error {
	if key.ID == "" {
		return fmt.Errorf("store: virtual key id must not be empty")
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("store: encode key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO virtual_keys (id, token, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, data = excluded.data`,
		key.ID, key.Token, string(raw))
	if err != nil {
		return fmt.Errorf("store: upsert key: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM virtual_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete key: %w", err)
	}
	return nil
}

func (s *SQLite) RetainKeys(ctx context.Context, ids []string) error {
	existing, err := s.ListKeys(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	for _, k := range existing {
		if _, ok := keep[k.ID]; !ok {
			if err := s.DeleteKey(ctx, k.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ── RateLimitStore ────────────────────────────────────────────────────────────

func (s *SQLite) rateIncr(ctx context.Context, scope string, window int64, column string, n, limit int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_counters (scope, window) VALUES (?, ?)
		ON CONFLICT(scope, window) DO NOTHING`, scope, window); err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}

	var cur int64
	q := fmt.Sprintf(`SELECT %s FROM rate_counters WHERE scope = ? AND window = ?`, column)
	if err := tx.QueryRowContext(ctx, q, scope, window).Scan(&cur); err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}
	next := cur + n
	if limit > 0 && next > limit {
		return cur, ErrLimitExceeded
	}
	u := fmt.Sprintf(`UPDATE rate_counters SET %s = ? WHERE scope = ? AND window = ?`, column)
	if _, err := tx.ExecContext(ctx, u, next, scope, window); err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: rate incr: %w", err)
	}
	// Opportunistic cleanup of windows that no read can reach anymore.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE window < ?`, window-2)
	return next, nil
}

func (s *SQLite) IncrRequests(ctx context.Context, scope string, window, limit int64) (int64, error) {
	return s.rateIncr(ctx, scope, window, "requests", 1, limit)
}

func (s *SQLite) IncrTokens(ctx context.Context, scope string, window, n, limit int64) (int64, error) {
	return s.rateIncr(ctx, scope, window, "tokens", n, limit)
}

func (s *SQLite) ReleaseRequests(ctx context.Context, scope string, window int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rate_counters SET requests = MAX(0, requests - 1)
		WHERE scope = ? AND window = ?`, scope, window)
	return err
}

func (s *SQLite) ReleaseTokens(ctx context.Context, scope string, window, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rate_counters SET tokens = MAX(0, tokens - ?)
		WHERE scope = ? AND window = ?`, n, scope, window)
	return err
}

func (s *SQLite) WindowCounts(ctx context.Context, scope string, window int64) (int64, int64, error) {
	var reqs, toks int64
	err := s.db.QueryRowContext(ctx, `
		SELECT requests, tokens FROM rate_counters WHERE scope = ? AND window = ?`,
		scope, window).Scan(&reqs, &toks)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("store: window counts: %w", err)
	}
	return reqs, toks, nil
}

// ── BudgetStore ───────────────────────────────────────────────────────────────

func (s *SQLite) Reserve(ctx context.Context, res Reservation, caps Budget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reservations WHERE id = ?`, res.ID).Scan(&exists); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	if exists > 0 {
		return nil // idempotent re-reserve
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_ledgers (scope) VALUES (?)
		ON CONFLICT(scope) DO NOTHING`, res.ScopeKey); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}

	var st, rt, su, ru uint64
	if err := tx.QueryRowContext(ctx, `
		SELECT spent_tokens, reserved_tokens, spent_usd_micros, reserved_usd_micros
		FROM budget_ledgers WHERE scope = ?`, res.ScopeKey).Scan(&st, &rt, &su, &ru); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	if caps.TotalTokens > 0 && st+rt+res.Tokens > caps.TotalTokens {
		return ErrInsufficientQuota
	}
	if caps.TotalUSDMicros > 0 && su+ru+res.USDMicros > caps.TotalUSDMicros {
		return ErrInsufficientQuota
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE budget_ledgers
		SET reserved_tokens = reserved_tokens + ?, reserved_usd_micros = reserved_usd_micros + ?
		WHERE scope = ?`, res.Tokens, res.USDMicros, res.ScopeKey); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, scope, tokens, usd_micros, created_ms, state)
		VALUES (?, ?, ?, ?, ?, 'live')`,
		res.ID, res.ScopeKey, res.Tokens, res.USDMicros, res.CreatedMs); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}
	return nil
}

func (s *SQLite) settle(ctx context.Context, id, mode string, actualTokens, actualUSDMicros uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: settle: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var scope, state string
	var tok, usd uint64
	err = tx.QueryRowContext(ctx, `
		SELECT scope, state, tokens, usd_micros FROM reservations WHERE id = ?`,
		id).Scan(&scope, &state, &tok, &usd)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && state != "live") {
		return nil // idempotent
	}
	if err != nil {
		return fmt.Errorf("store: settle: %w", err)
	}

	if mode == "commit" {
		if actualTokens > tok {
			actualTokens = tok
		}
		if actualUSDMicros > usd {
			actualUSDMicros = usd
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_ledgers
			SET spent_tokens = spent_tokens + ?, spent_usd_micros = spent_usd_micros + ?
			WHERE scope = ?`, actualTokens, actualUSDMicros, scope); err != nil {
			return fmt.Errorf("store: settle: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE budget_ledgers
		SET reserved_tokens = MAX(0, reserved_tokens - ?),
		    reserved_usd_micros = MAX(0, reserved_usd_micros - ?)
		WHERE scope = ?`, tok, usd, scope); err != nil {
		return fmt.Errorf("store: settle: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET state = ? WHERE id = ?`, mode, id); err != nil {
		return fmt.Errorf("store: settle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: settle: %w", err)
	}
	return nil
}

func (s *SQLite) Commit(ctx context.Context, id string, actualTokens, actualUSDMicros uint64) error {
	return s.settle(ctx, id, "commit", actualTokens, actualUSDMicros)
}

func (s *SQLite) Rollback(ctx context.Context, id string) error {
	return s.settle(ctx, id, "rollback", 0, 0)
}

func (s *SQLite) GetLedger(ctx context.Context, scope string) (Ledger, error) {
	l := Ledger{ScopeKey: scope}
	err := s.db.QueryRowContext(ctx, `
		SELECT spent_tokens, reserved_tokens, spent_usd_micros, reserved_usd_micros
		FROM budget_ledgers WHERE scope = ?`, scope).
		Scan(&l.SpentTokens, &l.ReservedTokens, &l.SpentUSDMicros, &l.ReservedUSDMicros)
	if errors.Is(err, sql.ErrNoRows) {
		return l, nil
	}
	if err != nil {
		return Ledger{}, fmt.Errorf("store: ledger: %w", err)
	}
	return l, nil
}

func (s *SQLite) ListReservationsOlderThan(ctx context.Context, cutoffMs int64, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, tokens, usd_micros, created_ms FROM reservations
		WHERE state = 'live' AND created_ms < ?
		ORDER BY created_ms ASC LIMIT ?`, cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list reservations: %w", err)
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.ScopeKey, &r.Tokens, &r.USDMicros, &r.CreatedMs); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── AuditStore ────────────────────────────────────────────────────────────────

func (s *SQLite) AppendAudit(ctx context.Context, kind string, payload any) (AuditRecord, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return AuditRecord{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prev string
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
	}

	rec := AuditRecord{
		TsMs:     time.Now().UnixMilli(),
		Kind:     kind,
		Payload:  json.RawMessage(canonical),
		PrevHash: prev,
		Hash:     ChainHash(prev, canonical),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (ts_ms, kind, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?)`,
		rec.TsMs, rec.Kind, string(canonical), rec.PrevHash, rec.Hash)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AuditRecord{}, fmt.Errorf("store: audit append: %w", err)
	}
	return rec, nil
}

func (s *SQLite) ListAudit(ctx context.Context, limit int, since, before int64) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	if since <= 0 {
		since = 0
	}
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_ms, kind, payload, prev_hash, hash FROM audit_log
		WHERE id > ? AND id < ? ORDER BY id ASC LIMIT ?`, since, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: audit list: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.TsMs, &rec.Kind, &payload, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) ExportAuditJSONL(ctx context.Context, w io.Writer, since, before int64) error {
	records, err := s.ListAudit(ctx, 0, since, before)
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

func (s *SQLite) DeleteAuditOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("store: audit retention: %w", err)
	}
	return res.RowsAffected()
}

// ── CacheStore ────────────────────────────────────────────────────────────────

func (s *SQLite) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	var expiresMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_ms FROM cache_entries WHERE key = ?`, key).
		Scan(&value, &expiresMs)
	if err != nil {
		return nil, false
	}
	if time.Now().UnixMilli() >= expiresMs {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false
	}
	return value, true
}

func (s *SQLite) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_ms = excluded.expires_ms`,
		key, value, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	return nil
}

func (s *SQLite) CacheDel(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *SQLite) CachePurgeAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("store: cache purge: %w", err)
	}
	return res.RowsAffected()
}
