// Package ratelimit spreads outbound calls so the remote service's
// quota buckets are never knowingly violated.
//
// The remote refill clocks are invisible; the only observable signals
// are a 429 status with a Retry-After header (milliseconds) and a
// units-spent header on every response. The authoritative strategy is
// the scalar optimistic [Pacer] returned by [NewOptimistic]: always
// attempt at the minimum configured spacing and only back off when the
// server explicitly says so. [NewBucketPacer] offers a token-bucket
// simulation as an optional, explicitly selected alternative.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultRetryAfterHeader carries the server's mandated wait in
// milliseconds on throttled responses.
const DefaultRetryAfterHeader = "Retry-After"

// Pacer estimates when the next call is allowed.
//
// RegisterNext is non-blocking: a zero return reserves the slot and the
// caller should fire immediately; a positive return is the remaining
// wait, with no state mutated. Update feeds response headers back into
// the estimate after every attempt.
type Pacer interface {
	RegisterNext() time.Duration
	Update(h http.Header)
}

// Optimistic is the scalar optimistic estimator: one shared "next
// eligible time", advanced by a fixed spacing on each reserved slot and
// pushed forward (never backward) by Retry-After signals.
type Optimistic struct {
	mu      sync.Mutex
	next    time.Time
	spacing time.Duration

	retryAfterHeader string
	now              func() time.Time
}

// OptimisticOption adjusts an [Optimistic] pacer.
type OptimisticOption func(*Optimistic)

// WithRetryAfterHeader overrides the header name read by Update.
func WithRetryAfterHeader(name string) OptimisticOption {
	return func(o *Optimistic) { o.retryAfterHeader = name }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) OptimisticOption {
	return func(o *Optimistic) { o.now = now }
}

// NewOptimistic builds a pacer whose per-call spacing is
// workers × minSpacing, capped at maxSpacing. With workers parallel
// callers each observing the shared scalar, this spreads the aggregate
// call rate at roughly one call per minSpacing.
func NewOptimistic(workers int, minSpacing, maxSpacing time.Duration, optFns ...OptimisticOption) *Optimistic {
	if workers < 1 {
		workers = 1
	}

	spacing := time.Duration(workers) * minSpacing
	if maxSpacing > 0 && spacing > maxSpacing {
		spacing = maxSpacing
	}

	o := &Optimistic{
		spacing:          spacing,
		retryAfterHeader: DefaultRetryAfterHeader,
		now:              time.Now,
	}
	for _, opt := range optFns {
		opt(o)
	}

	return o
}

// RegisterNext reserves the next slot if it is already due, returning 0.
// Otherwise it returns the remaining wait without mutating state. The
// lock covers only the scalar read/update, never any I/O.
func (o *Optimistic) RegisterNext() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if now.Before(o.next) {
		return o.next.Sub(now)
	}

	o.next = now.Add(o.spacing)
	return 0
}

// Update extends the next eligible time by the Retry-After header
// (milliseconds) when present. The scalar never moves backward: a late
// or stale signal cannot grant slots earlier than already promised.
func (o *Optimistic) Update(h http.Header) {
	if h == nil {
		return
	}

	raw := h.Get(o.retryAfterHeader)
	if raw == "" {
		return
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	candidate := o.now().Add(time.Duration(ms) * time.Millisecond)
	if candidate.After(o.next) {
		o.next = candidate
	}
}

// Spacing returns the configured per-call spacing.
func (o *Optimistic) Spacing() time.Duration { return o.spacing }
