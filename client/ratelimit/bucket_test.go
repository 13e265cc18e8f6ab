package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestBucket_ExpectedContent(t *testing.T) {
	testCases := []struct {
		name          string
		bucket        Bucket
		elapsed       time.Duration
		costCompleted float64
		exp           float64
	}{
		{
			name:    "refills over time",
			bucket:  Bucket{Capacity: 100, RefillPerSecond: 2, Content: 10},
			elapsed: 5 * time.Second,
			exp:     20,
		},
		{
			name:          "spend subtracts",
			bucket:        Bucket{Capacity: 100, RefillPerSecond: 2, Content: 10},
			elapsed:       5 * time.Second,
			costCompleted: 15,
			exp:           5,
		},
		{
			name:          "floored at zero",
			bucket:        Bucket{Capacity: 100, RefillPerSecond: 0, Content: 10},
			costCompleted: 50,
			exp:           0,
		},
		{
			name:    "capped at capacity",
			bucket:  Bucket{Capacity: 20, RefillPerSecond: 10, Content: 15},
			elapsed: time.Minute,
			exp:     20,
		},
		{
			name:          "fixed bucket never refills",
			bucket:        Bucket{Capacity: 100, RefillPerSecond: 0, Content: 40},
			elapsed:       time.Hour,
			costCompleted: 10,
			exp:           30,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.bucket.ExpectedContent(tc.elapsed, tc.costCompleted)
			if got != tc.exp {
				t.Errorf("exp %v, got %v", tc.exp, got)
			}
		})
	}
}

func TestBucket_WaitTime_FixedBucketSentinel(t *testing.T) {
	fixed := Bucket{Capacity: 10, RefillPerSecond: 0, Content: 10}

	// Exactly when expected content drops below one request's cost, the
	// sentinel appears; at or above the cost, the wait is zero.
	if w := fixed.WaitTime(0, 9, 1, 0); w != 0 {
		t.Errorf("content 1, cost 1: exp 0 wait, got %v", w)
	}
	if w := fixed.WaitTime(0, 9.5, 1, 0); w != Blocked {
		t.Errorf("content 0.5, cost 1: exp Blocked, got %v", w)
	}
	if w := fixed.WaitTime(0, 10, 1, 0); w != Blocked {
		t.Errorf("content 0, cost 1: exp Blocked, got %v", w)
	}
}

func TestBucket_WaitTime_RefillingBucket(t *testing.T) {
	b := Bucket{Capacity: 100, RefillPerSecond: 2, Content: 0}

	// Missing 1 unit plus 1 safety unit at 2 units/s: one second.
	got := b.WaitTime(0, 0, 1, 1)
	if got != time.Second {
		t.Errorf("exp 1s, got %v", got)
	}

	// Already enough content: no wait, and never negative.
	b.Content = 50
	if got := b.WaitTime(0, 0, 1, 1); got != 0 {
		t.Errorf("exp 0 wait, got %v", got)
	}
}

func TestBucketPacer_RegisterNextReservesCost(t *testing.T) {
	clock := newFakeClock()
	p := NewBucketPacer(
		[]Bucket{{Capacity: 3, RefillPerSecond: 0, Content: 3}},
		WithBucketClock(clock.Now),
	)

	for i := 0; i < 3; i++ {
		if w := p.RegisterNext(); w != 0 {
			t.Fatalf("call %d: exp immediate slot, got %v", i, w)
		}
	}

	if w := p.RegisterNext(); w != Blocked {
		t.Errorf("fixed bucket spent: exp Blocked, got %v", w)
	}
}

func TestBucketPacer_RefillGrantsAfterWait(t *testing.T) {
	clock := newFakeClock()
	p := NewBucketPacer(
		[]Bucket{{Capacity: 10, RefillPerSecond: 1, Content: 1}},
		WithBucketClock(clock.Now),
	)

	if w := p.RegisterNext(); w != 0 {
		t.Fatalf("exp first slot immediately, got %v", w)
	}

	w := p.RegisterNext()
	if w <= 0 || w == Blocked {
		t.Fatalf("exp finite positive wait, got %v", w)
	}

	clock.Advance(w)
	if w := p.RegisterNext(); w != 0 {
		t.Errorf("exp slot after refill wait, got %v", w)
	}
}

func TestBucketPacer_UpdateReconcilesActualCost(t *testing.T) {
	clock := newFakeClock()
	p := NewBucketPacer(
		[]Bucket{{Capacity: 10, RefillPerSecond: 0, Content: 10}},
		WithBucketClock(clock.Now),
	)

	p.RegisterNext() // reserves assumed cost 1

	// Server reports the request actually billed 5 units.
	h := http.Header{}
	h.Set(DefaultUnitsHeader, "5")
	p.Update(h)

	// 10 - 5 = 5 left: five more requests at cost 1, then blocked.
	for i := 0; i < 5; i++ {
		if w := p.RegisterNext(); w != 0 {
			t.Fatalf("call %d: exp slot, got %v", i, w)
		}
	}
	if w := p.RegisterNext(); w != Blocked {
		t.Errorf("exp Blocked after reconciled spend, got %v", w)
	}
}
