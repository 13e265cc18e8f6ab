package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRoundTripper_Validation(t *testing.T) {
	testCases := []struct {
		name   string
		rps    int
		burst  int
		expErr error
	}{
		{name: "zero rps", rps: 0, burst: 10, expErr: ErrMustNotBeZero},
		{name: "negative rps", rps: -5, burst: 10, expErr: ErrMustNotBeZero},
		{name: "zero burst", rps: 10, burst: 0, expErr: ErrMustNotBeZero},
		{name: "negative burst", rps: 10, burst: -5, expErr: ErrMustNotBeZero},
		{name: "valid input", rps: 10, burst: 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := NewRoundTripper(tc.rps, tc.burst, func() *slog.Logger { return nil }, http.DefaultTransport)

			if tc.expErr != nil {
				if !errors.Is(err, tc.expErr) {
					t.Errorf("exp err %v; got: %v", tc.expErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("exp nil err, got: %v", err)
			}
			if rt == nil {
				t.Error("exp non-nil RoundTripper")
			}
		})
	}
}

func newCeilingClient(t *testing.T, rps, burst int) (*http.Client, *httptest.Server, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	rt, err := NewRoundTripper(rps, burst, func() *slog.Logger { return nil }, http.DefaultTransport)
	if err != nil {
		t.Fatalf("round tripper: %v", err)
	}

	return &http.Client{Transport: rt}, srv, &calls
}

func TestCeiling_WithinBurstIsFast(t *testing.T) {
	hc, srv, calls := newCeilingClient(t, 5, 5)

	start := time.Now()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
			if err != nil {
				errs[idx] = err
				return
			}
			resp, err := hc.Do(req)
			if err != nil {
				errs[idx] = err
				return
			}
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if calls.Load() != 5 {
		t.Errorf("exp 5 server calls, got %d", calls.Load())
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Errorf("within-burst requests must not wait, took %v", took)
	}
}

func TestCeiling_ExhaustedBurstWaits(t *testing.T) {
	hc, srv, calls := newCeilingClient(t, 10, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	// Burst of 1 at 10 rps: requests 2 and 3 wait ~100ms each.
	if took := time.Since(start); took < 200*time.Millisecond {
		t.Errorf("exp the ceiling to slow requests down (>= 200ms), took %v", took)
	}
	if calls.Load() != 3 {
		t.Errorf("exp 3 server calls, got %d", calls.Load())
	}
}

func TestCeiling_WaitTimeoutFails(t *testing.T) {
	hc, srv, calls := newCeilingClient(t, 1, 1)

	// Consume the burst.
	first, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := hc.Do(first)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	// The second request would need ~1s; its context allows 20ms.
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	second, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := hc.Do(second); !errors.Is(err, ErrWaitingFailed) {
		t.Fatalf("exp ErrWaitingFailed, got: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("the timed-out request must not reach the server, got %d calls", calls.Load())
	}
}

func TestCeiling_PreCancelledContextFailsEarly(t *testing.T) {
	hc, srv, calls := newCeilingClient(t, 20, 10)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	start := time.Now()
	_, err = hc.Do(req)
	if !errors.Is(err, ErrContextEnded) {
		t.Fatalf("exp ErrContextEnded, got: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("exp context.Canceled in chain, got: %v", err)
	}
	if took := time.Since(start); took > 50*time.Millisecond {
		t.Errorf("pre-cancelled request must fail immediately, took %v", took)
	}
	if calls.Load() != 0 {
		t.Errorf("cancelled request must not reach the server, got %d calls", calls.Load())
	}
}
