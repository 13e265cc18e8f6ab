package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Blocked is the sentinel wait returned for a fixed (non-refilling)
// bucket whose remaining content cannot cover one more request before
// the next sampling window.
const Blocked = time.Duration(math.MaxInt64)

// DefaultUnitsHeader reports the processing units a response consumed.
const DefaultUnitsHeader = "X-Processing-Units"

// Bucket models one remote quota dimension: a capacity that refills
// over time, or a fixed allowance when RefillPerSecond is zero. Content
// is the client's best guess of the remote state; it is never observed
// directly, only inferred.
type Bucket struct {
	Capacity        float64
	RefillPerSecond float64
	Content         float64
}

// ExpectedContent estimates the bucket's content after elapsed time and
// costCompleted units already spent, floored at zero.
func (b Bucket) ExpectedContent(elapsed time.Duration, costCompleted float64) float64 {
	content := b.Content + elapsed.Seconds()*b.RefillPerSecond - costCompleted
	if b.Capacity > 0 && content > b.Capacity {
		content = b.Capacity
	}
	return math.Max(content, 0)
}

// WaitTime predicts how long a caller must wait before spending cost
// more units. A fixed bucket that cannot cover the cost returns
// [Blocked]; a refilling bucket returns the time needed to accumulate
// cost plus safety units, zero when already available.
func (b Bucket) WaitTime(elapsed time.Duration, costCompleted, cost, safety float64) time.Duration {
	expected := b.ExpectedContent(elapsed, costCompleted)

	if b.RefillPerSecond == 0 {
		if expected < cost {
			return Blocked
		}
		return 0
	}

	missing := cost - expected + safety
	if missing <= 0 {
		return 0
	}

	return time.Duration(missing / b.RefillPerSecond * float64(time.Second))
}

// BucketPacer simulates the remote quota buckets client-side. It is an
// optional [Pacer] strategy; the default execution path uses
// [Optimistic].
type BucketPacer struct {
	mu       sync.Mutex
	buckets  []Bucket
	spent    float64
	started  time.Time
	cost     float64
	safety   float64
	unitsHdr string
	now      func() time.Time
}

// BucketPacerOption adjusts a [BucketPacer].
type BucketPacerOption func(*BucketPacer)

// WithCostPerRequest sets the assumed units spent by one request.
func WithCostPerRequest(cost float64) BucketPacerOption {
	return func(p *BucketPacer) { p.cost = cost }
}

// WithSafetyBuffer keeps the given number of units in reserve.
func WithSafetyBuffer(units float64) BucketPacerOption {
	return func(p *BucketPacer) { p.safety = units }
}

// WithUnitsHeader overrides the units-spent header name.
func WithUnitsHeader(name string) BucketPacerOption {
	return func(p *BucketPacer) { p.unitsHdr = name }
}

// WithBucketClock replaces the time source, for tests.
func WithBucketClock(now func() time.Time) BucketPacerOption {
	return func(p *BucketPacer) { p.now = now }
}

// NewBucketPacer builds a pacer over the given quota buckets.
func NewBucketPacer(buckets []Bucket, optFns ...BucketPacerOption) *BucketPacer {
	p := &BucketPacer{
		buckets:  buckets,
		cost:     1,
		unitsHdr: DefaultUnitsHeader,
		now:      time.Now,
	}
	for _, opt := range optFns {
		opt(p)
	}
	p.started = p.now()

	return p
}

// RegisterNext returns the longest predicted wait across all buckets,
// reserving the request's cost when every bucket can cover it now.
// A fixed bucket out of allowance yields [Blocked].
func (p *BucketPacer) RegisterNext() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.started)

	var wait time.Duration
	for _, b := range p.buckets {
		w := b.WaitTime(elapsed, p.spent, p.cost, p.safety)
		if w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return wait
	}

	p.spent += p.cost
	return 0
}

// Update accrues the units-spent header into the simulated spend.
// Retry-After signals are ignored here; the simulation already models
// the refill clocks the scalar estimator cannot see.
func (p *BucketPacer) Update(h http.Header) {
	if h == nil {
		return
	}

	raw := h.Get(p.unitsHdr)
	if raw == "" {
		return
	}

	units, err := strconv.ParseFloat(raw, 64)
	if err != nil || units <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The reservation in RegisterNext assumed the configured cost;
	// reconcile with what the server actually billed.
	p.spent += units - p.cost
}
