package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

// ceiling is an http.RoundTripper applying a coarse token-bucket limit
// on outbound calls via time/rate. It sits below the quota-aware Pacer
// as a hard requests-per-second ceiling the client never exceeds even
// when the pacer's optimistic estimate is wrong.
type ceiling struct {
	limiter *rate.Limiter
	rps     int
	burst   int
	next    http.RoundTripper
	logFn   func() *slog.Logger
}

// NewRoundTripper returns an http.RoundTripper that caps outbound
// requests at rps with the given burst. logFn lazily resolves the
// logger at request time, making option ordering irrelevant; a
// nil-returning logFn skips wait logging.
func NewRoundTripper(rps, burst int, logFn func() *slog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}

	return &ceiling{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
		next:    next,
		logFn:   logFn,
	}, nil
}

func (c *ceiling) RoundTrip(r *http.Request) (*http.Response, error) {
	if c.limiter == nil {
		return c.next.RoundTrip(r)
	}

	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	var waited time.Duration
	logger := c.logFn()
	if logger != nil && !c.limiter.Allow() {
		logger.Info("transport ceiling reached", "rate", c.rps, "burst", c.burst, "path", r.URL.Path)

		defer func() {
			logger.Info("transport ceiling wait complete", "waited", waited.String(), "rate", c.rps, "burst", c.burst)
		}()
	}

	start := time.Now()

	err := c.limiter.Wait(ctx)
	waited = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w post-wait: %w", ErrContextEnded, err)
	}

	return c.next.RoundTrip(r)
}
