// Package ratelimit enforces requests-per-minute and tokens-per-minute caps
// at every configured scope (key, tenant, project, user, route).
//
// Windowing is fixed calendar-minute: counters reset on the minute boundary.
// The route scope instead uses a weighted sliding 60 s window across two
// adjacent minute buckets, which smooths bursts at window edges for the
// shared per-route caps.
//
// All counter mutation goes through the store's atomic increment primitive;
// the limiter itself holds no state, so any number of gateway replicas can
// share one store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Scope is one scope to acquire against, in sequence order.
type Scope struct {
	// Key is the counter scope key, e.g. "vk:team-a" or "route:/v1/chat/completions".
	Key string
	// Code is the short scope label used in rejection codes ("vk", "tenant",
	// "project", "user", "route").
	Code string
	// Limits holds the rpm/tpm caps for this scope; zero fields are unlimited.
	Limits store.Limits
	// Sliding selects the weighted two-bucket sliding window instead of the
	// plain calendar-minute window. Used for the route scope.
	Sliding bool
}

// LimitError reports which scope and dimension rejected the acquisition.
type LimitError struct {
	ScopeCode string
	Dimension string // "rpm" or "tpm"
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s_%s exceeded", e.ScopeCode, e.Dimension)
}

// Code returns the OpenAI-style error code, e.g. "vk_rpm".
func (e *LimitError) Code() string { return e.ScopeCode + "_" + e.Dimension }

// Limiter acquires rate permits across a sequence of scopes.
type Limiter struct {
	store store.RateLimitStore
	now   func() time.Time
}

// New creates a Limiter over the given counter store.
func New(s store.RateLimitStore) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

// acquired records one successful increment so it can be undone when a later
// scope rejects.
type acquired struct {
	scope  string
	window int64
	tokens int64 // 0 when only the request counter was bumped
}

// Acquire walks scopes in order, charging one request and tokens tokens to
// each. On any rejection every earlier increment is released in reverse
// order and a *LimitError is returned. Store failures surface unwrapped so
// the caller can map them to store_unavailable.
func (l *Limiter) Acquire(ctx context.Context, scopes []Scope, tokens int64) error {
	now := l.now()
	window := store.EpochMinute(now)

	var held []acquired
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			h := held[i]
			if h.tokens > 0 {
				_ = l.store.ReleaseTokens(ctx, h.scope, h.window, h.tokens)
			} else {
				_ = l.store.ReleaseRequests(ctx, h.scope, h.window)
			}
		}
	}

	for _, sc := range scopes {
		if sc.Limits.RPM == 0 && sc.Limits.TPM == 0 {
			continue
		}

		rpmLimit := sc.Limits.RPM
		tpmLimit := sc.Limits.TPM
		if sc.Sliding {
			var err error
			rpmLimit, tpmLimit, err = l.slidingAllowance(ctx, sc, now, window)
			if err != nil {
				release()
				return err
			}
			if (sc.Limits.RPM > 0 && rpmLimit <= 0) || (sc.Limits.TPM > 0 && tpmLimit <= 0) {
				release()
				dim := "rpm"
				if sc.Limits.RPM == 0 || rpmLimit > 0 {
					dim = "tpm"
				}
				return &LimitError{ScopeCode: sc.Code, Dimension: dim}
			}
		}

		if sc.Limits.RPM > 0 {
			if _, err := l.store.IncrRequests(ctx, sc.Key, window, rpmLimit); err != nil {
				release()
				if errors.Is(err, store.ErrLimitExceeded) {
					return &LimitError{ScopeCode: sc.Code, Dimension: "rpm"}
				}
				return err
			}
			held = append(held, acquired{scope: sc.Key, window: window})
		}

		if sc.Limits.TPM > 0 && tokens > 0 {
			if _, err := l.store.IncrTokens(ctx, sc.Key, window, tokens, tpmLimit); err != nil {
				release()
				if errors.Is(err, store.ErrLimitExceeded) {
					return &LimitError{ScopeCode: sc.Code, Dimension: "tpm"}
				}
				return err
			}
			held = append(held, acquired{scope: sc.Key, window: window, tokens: tokens})
		}
	}

	return nil
}

// slidingAllowance converts the configured 60 s caps into effective caps for
// the current minute bucket by weighting the previous bucket's counts with
// the unexpired fraction of that minute.
//
// With 40 s elapsed in the current minute, 20 s of the previous minute still
// falls inside the sliding window, so a third of its counts are charged
// against the cap.
func (l *Limiter) slidingAllowance(ctx context.Context, sc Scope, now time.Time, window int64) (rpm, tpm int64, err error) {
	prevReqs, prevToks, err := l.store.WindowCounts(ctx, sc.Key, window-1)
	if err != nil {
		return 0, 0, err
	}
	elapsed := float64(now.Unix()%60) + float64(now.Nanosecond())/1e9
	carry := (60 - elapsed) / 60
	if carry < 0 {
		carry = 0
	}

	rpm = sc.Limits.RPM
	if rpm > 0 {
		rpm -= int64(float64(prevReqs) * carry)
	}
	tpm = sc.Limits.TPM
	if tpm > 0 {
		tpm -= int64(float64(prevToks) * carry)
	}
	return rpm, tpm, nil
}
