// Package budget implements the two-phase token/cost budgeting protocol:
// reserve worst-case amounts before dispatch, then commit the observed
// amounts (releasing the difference) or roll back entirely.
//
// Reservations are accounted credit, not locks. Admission is a CAS on the
// scope ledger (spent + reserved + amount <= cap) performed by the store, so
// concurrent requests across replicas can never jointly overshoot a cap —
// on a tie the first reserver wins and the loser sees insufficient quota.
//
// Crashed requests leave reservations behind; the reaper releases those
// whose age exceeds a cutoff.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Scope is one ledger to reserve against.
type Scope struct {
	// Key is the ledger scope key, e.g. "vk:team-a" or "tenant:acme".
	Key string
	// Caps holds the token / USD-micros caps; zero fields are unlimited.
	Caps store.Budget
	// Primary marks the key scope, whose reservation id is the bare
	// request id. Shared scopes get the "::budget::<scope>" suffix.
	Primary bool
}

// InsufficientError identifies the scope that rejected admission.
type InsufficientError struct {
	Scope string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("budget: insufficient quota for scope %s", e.Scope)
}

// Engine coordinates reservations over a BudgetStore.
type Engine struct {
	store store.BudgetStore
	log   *slog.Logger
	now   func() time.Time
}

// New creates an Engine. log may be nil.
func New(s store.BudgetStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, log: log, now: time.Now}
}

// ReservationID derives the reservation id for a scope.
func ReservationID(requestID string, sc Scope) string {
	if sc.Primary {
		return requestID
	}
	return requestID + "::budget::" + sc.Key
}

// Set is the group of reservations held by one in-flight request. Exactly
// one of Commit / Rollback terminates it; both are safe to call repeatedly
// and after each other (later transitions are no-ops in the store).
type Set struct {
	engine *Engine
	ids    []string
}

// Empty reports whether no scope required a reservation.
func (s *Set) Empty() bool { return s == nil || len(s.ids) == 0 }

// Reserve admits tokens and usdMicros against every scope in order. On any
// rejection the reservations made so far are rolled back and an
// *InsufficientError is returned. Scopes with no caps configured are
// skipped entirely — nothing to admit against, nothing to settle.
func (e *Engine) Reserve(ctx context.Context, requestID string, scopes []Scope, tokens, usdMicros uint64) (*Set, error) {
	set := &Set{engine: e}
	createdMs := e.now().UnixMilli()

	for _, sc := range scopes {
		if sc.Caps.TotalTokens == 0 && sc.Caps.TotalUSDMicros == 0 {
			continue
		}
		res := store.Reservation{
			ID:        ReservationID(requestID, sc),
			ScopeKey:  sc.Key,
			Tokens:    tokens,
			USDMicros: usdMicros,
			CreatedMs: createdMs,
		}
		if err := e.store.Reserve(ctx, res, sc.Caps); err != nil {
			set.Rollback(ctx)
			if errors.Is(err, store.ErrInsufficientQuota) {
				return nil, &InsufficientError{Scope: sc.Key}
			}
			return nil, err
		}
		set.ids = append(set.ids, res.ID)
	}
	return set, nil
}

// Commit settles every reservation with the observed amounts. Settlement
// errors are logged, never propagated: the client response has already been
// decided and the reaper will release anything left behind.
func (s *Set) Commit(ctx context.Context, actualTokens, actualUSDMicros uint64) {
	if s.Empty() {
		return
	}
	for _, id := range s.ids {
		if err := s.engine.store.Commit(ctx, id, actualTokens, actualUSDMicros); err != nil {
			s.engine.log.Error("budget_commit_failed",
				slog.String("reservation_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Rollback releases every reservation in full.
func (s *Set) Rollback(ctx context.Context) {
	if s.Empty() {
		return
	}
	for _, id := range s.ids {
		if err := s.engine.store.Rollback(ctx, id); err != nil {
			s.engine.log.Error("budget_rollback_failed",
				slog.String("reservation_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ReapReport summarises one reaper pass.
type ReapReport struct {
	Scanned    int                 `json:"scanned"`
	Released   int                 `json:"released"`
	DryRun     bool                `json:"dry_run"`
	Abandoned  []store.Reservation `json:"abandoned,omitempty"`
	CutoffMs   int64               `json:"cutoff_ms"`
	LimitUsed  int                 `json:"limit"`
	DurationMs int64               `json:"duration_ms"`
}

// Reap rolls back live reservations older than olderThan. With dryRun the
// candidates are reported but left untouched. limit bounds the scan
// (0 means the engine default of 1000).
func (e *Engine) Reap(ctx context.Context, olderThan time.Duration, limit int, dryRun bool) (ReapReport, error) {
	if limit <= 0 {
		limit = 1000
	}
	start := e.now()
	cutoffMs := start.Add(-olderThan).UnixMilli()

	stale, err := e.store.ListReservationsOlderThan(ctx, cutoffMs, limit)
	if err != nil {
		return ReapReport{}, fmt.Errorf("budget: reap scan: %w", err)
	}

	report := ReapReport{
		Scanned:   len(stale),
		DryRun:    dryRun,
		Abandoned: stale,
		CutoffMs:  cutoffMs,
		LimitUsed: limit,
	}
	if !dryRun {
		for _, res := range stale {
			if err := e.store.Rollback(ctx, res.ID); err != nil {
				e.log.Error("reaper_rollback_failed",
					slog.String("reservation_id", res.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			report.Released++
		}
	}
	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}
