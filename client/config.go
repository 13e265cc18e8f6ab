package client

import (
	"time"

	"github.com/quotafetch/quotafetch/client/ratelimit"
)

// Config is the client's tuning surface. Build validates it against
// the struct tags, so a misconfigured client fails at construction,
// not mid-batch.
type Config struct {
	// MaxDownloadAttempts is the retry budget per request for
	// temporary failures.
	MaxDownloadAttempts int `json:"max_download_attempts" validate:"gte=1"`
	// DownloadSleepTime is the base backoff before the second attempt;
	// it triples after each failure.
	DownloadSleepTime time.Duration `json:"download_sleep_time" validate:"gte=0"`
	// DownloadTimeout bounds each individual network attempt.
	DownloadTimeout time.Duration `json:"download_timeout" validate:"gte=0"`
	// Workers is the worker-pool size for batch downloads. It also
	// feeds the rate limiter's per-call spacing.
	Workers int `json:"workers" validate:"gte=1"`
	// MinSpacing and MaxSpacing bound the limiter's per-call spacing:
	// spacing = Workers × MinSpacing, capped at MaxSpacing.
	MinSpacing time.Duration `json:"min_spacing" validate:"gte=0"`
	MaxSpacing time.Duration `json:"max_spacing" validate:"gte=0"`
	// RetryAfterHeader names the throttling header, carrying the
	// mandated wait in milliseconds.
	RetryAfterHeader string `json:"retry_after_header" validate:"required"`
	// UnitsHeader names the header reporting processing units spent.
	UnitsHeader string `json:"units_header" validate:"required"`
}

// DefaultConfig returns the settings used unless overridden by options.
func DefaultConfig() Config {
	return Config{
		MaxDownloadAttempts: 3,
		DownloadSleepTime:   5 * time.Second,
		DownloadTimeout:     2 * time.Minute,
		Workers:             4,
		MinSpacing:          200 * time.Millisecond,
		MaxSpacing:          2 * time.Second,
		RetryAfterHeader:    ratelimit.DefaultRetryAfterHeader,
		UnitsHeader:         ratelimit.DefaultUnitsHeader,
	}
}
