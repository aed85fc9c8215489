// Package ratelimit implements fixed-window request counting on top of
// the store. Windows are non-overlapping buckets aligned to the epoch;
// a new window simply starts a fresh counter.
package ratelimit

import (
	"context"
	"time"

	"github.com/adaokul/phoneauth/internal/store"
)

// Operation kinds gated by the limiter.
const (
	OpSend   = "send_otp"
	OpVerify = "verify_otp"
)

// Counters for old windows are kept around this long for telemetry
// before the store purges them.
const retention = 24 * time.Hour

// Window is the per-operation limit configuration.
type Window struct {
	Period time.Duration
	Max    int64
}

var windows = map[string]Window{
	OpSend:   {Period: 5 * time.Minute, Max: 3},
	OpVerify: {Period: 15 * time.Minute, Max: 5},
}

// Limiter gates operations per identifier. All state lives in the
// store, so the decision survives process restarts.
type Limiter struct {
	store store.Store
}

// New returns a Limiter backed by the given store.
func New(st store.Store) *Limiter {
	return &Limiter{store: st}
}

// Allow counts the request against the identifier's window at the
// given instant (Unix milliseconds) and reports whether it is within
// the limit. The caller supplies the clock so windows line up with the
// rest of its decisions. The call that exceeds the limit is itself
// counted, which caps the total per window at Max rather than Max+1.
// A storage failure propagates: the limiter fails closed, never open.
func (l *Limiter) Allow(ctx context.Context, identifier, op string, now int64) (bool, error) {
	w, ok := windows[op]
	if !ok {
		return true, nil
	}

	period := w.Period.Milliseconds()
	windowStart := now / period * period

	count, err := l.store.IncrRateLimit(ctx, identifier, op, windowStart, retention)
	if err != nil {
		return false, err
	}

	return count <= w.Max, nil
}
