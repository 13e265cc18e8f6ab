package client

import (
	"errors"

	"github.com/quotafetch/quotafetch/client/pipeline"
)

var (
	// ErrThrottled marks a 429 that could not be resolved: either the
	// client has no rate limiter wired, or the limiter-informed retry
	// loop ran out of patience.
	ErrThrottled = errors.New("throttled by server")
	// ErrQuotaBlocked is returned when a fixed quota bucket is spent
	// for the rest of its sampling window.
	ErrQuotaBlocked = errors.New("quota exhausted until next window")
	// ErrUnexpectedStatusCode marks any other status outside the 2xx
	// range that no classification stage claimed.
	ErrUnexpectedStatusCode = errors.New("unexpected status code")

	// ErrNoSessionManager is a fail-fast validation error for requests
	// with UseSession on a client built without a session manager.
	ErrNoSessionManager = errors.New("request requires a session but no session manager is configured")
	// ErrNoDataFolder is a fail-fast validation error for requests
	// with SaveResponse on a client built without a data folder.
	ErrNoDataFolder = errors.New("request asks to save the response but no data folder is configured")
)

// Re-exported classification sentinels, so callers matching failure
// classes only import this package.
var (
	ErrRequestRejected   = pipeline.ErrRequestRejected
	ErrMissingResource   = pipeline.ErrMissingResource
	ErrAttemptsExhausted = pipeline.ErrAttemptsExhausted
)
