package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// maxErrBodySize caps the server error body carried inside a
// [StatusError], preventing unbounded memory usage when a large
// response arrives with a failure status.
const maxErrBodySize = 4 << 10 // 4KB

var (
	// ErrRequestRejected marks any 4xx status except 429: the request
	// itself is wrong and will never succeed by retrying.
	ErrRequestRejected = errors.New("request rejected by server")
	// ErrMissingResource marks a 404 in contexts that distinguish
	// "absent" from "broken".
	ErrMissingResource = errors.New("resource missing on server")
	// ErrServerFailure marks a 5xx status, retryable by the outer stage.
	ErrServerFailure = errors.New("server-side failure")
	// ErrAttemptsExhausted is wrapped by [TerminalError] when every
	// retry attempt failed.
	ErrAttemptsExhausted = errors.New("all download attempts failed")
)

// StatusError carries an HTTP failure status together with the raw
// server error body and the response headers.
type StatusError struct {
	StatusCode int
	Body       string
	Headers    http.Header
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d, body: %s", e.Err, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// TerminalError is the final failure after the retry budget is spent.
// Hint differentiates connectivity, timeout and server-side causes.
type TerminalError struct {
	Attempts int
	Hint     string
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%v (%s)", e.Err, e.Hint)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

func truncate(body []byte) string {
	if len(body) > maxErrBodySize {
		body = body[:maxErrBodySize]
	}
	return string(body)
}
