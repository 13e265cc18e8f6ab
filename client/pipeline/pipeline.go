// Package pipeline implements the failure-classification and retry stages
// wrapped around every raw network attempt.
//
// Stages compose in a fixed order: [RetryTemporaryErrors] is always the
// outermost stage with the classification stages inside it, around the
// raw call. [Chain] applies stages so the first listed wraps all later ones,
// making that ordering explicit at the call site:
//
//	run := pipeline.Chain(attempt,
//		pipeline.RetryTemporaryErrors(3, 5*time.Second, logger),
//		pipeline.FailUserErrors(),
//	)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// AttemptFunc performs one network attempt.
type AttemptFunc func(ctx context.Context) (*http.Response, []byte, error)

// Stage wraps an AttemptFunc with classification or retry behavior.
type Stage func(AttemptFunc) AttemptFunc

// Chain applies stages around fn with the first stage outermost.
func Chain(fn AttemptFunc, stages ...Stage) AttemptFunc {
	for i := len(stages) - 1; i >= 0; i-- {
		fn = stages[i](fn)
	}
	return fn
}

// FailUserErrors turns any 4xx status except 429 into a terminal
// [ErrRequestRejected] on the first occurrence. 429, 5xx and transport
// errors pass through unchanged for an outer stage to handle.
func FailUserErrors() Stage {
	return func(next AttemptFunc) AttemptFunc {
		return func(ctx context.Context) (*http.Response, []byte, error) {
			resp, body, err := next(ctx)
			if err != nil {
				return resp, body, err
			}

			code := resp.StatusCode
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
				return resp, body, &StatusError{
					StatusCode: code,
					Body:       truncate(body),
					Headers:    resp.Header,
					Err:        ErrRequestRejected,
				}
			}

			return resp, body, nil
		}
	}
}

// FailMissingFile maps exactly 404 to [ErrMissingResource], for contexts
// such as object-storage lookups where "not found" is an expected,
// distinguishable outcome. All other statuses and errors pass through
// unmodified.
func FailMissingFile() Stage {
	return func(next AttemptFunc) AttemptFunc {
		return func(ctx context.Context) (*http.Response, []byte, error) {
			resp, body, err := next(ctx)
			if err != nil {
				return resp, body, err
			}

			if resp.StatusCode == http.StatusNotFound {
				return resp, body, &StatusError{
					StatusCode: resp.StatusCode,
					Body:       truncate(body),
					Headers:    resp.Header,
					Err:        ErrMissingResource,
				}
			}

			return resp, body, nil
		}
	}
}

// RetryTemporaryErrors retries connection errors, timeouts, truncated
// responses and 5xx statuses up to maxAttempts times, sleeping baseSleep
// before the second attempt and tripling the sleep after each failure.
// Exhausting all attempts wraps the last error in [ErrAttemptsExhausted]
// with a remediation hint. Errors outside the retryable set propagate
// unchanged on first occurrence.
func RetryTemporaryErrors(maxAttempts int, baseSleep time.Duration, logger Logger) Stage {
	return func(next AttemptFunc) AttemptFunc {
		return func(ctx context.Context) (*http.Response, []byte, error) {
			sleep := baseSleep
			var lastErr error

			for attempt := 1; ; attempt++ {
				resp, body, err := next(ctx)
				switch {
				case err == nil && resp.StatusCode >= 500:
					lastErr = &StatusError{
						StatusCode: resp.StatusCode,
						Body:       truncate(body),
						Headers:    resp.Header,
						Err:        ErrServerFailure,
					}
				case err == nil:
					return resp, body, nil
				case ctx.Err() == nil && retryable(err):
					// Per-attempt timeouts are retryable; a cancelled
					// caller context is not.
					lastErr = err
				default:
					return resp, body, err
				}

				if attempt >= maxAttempts {
					return nil, nil, &TerminalError{
						Attempts: maxAttempts,
						Hint:     hintFor(lastErr),
						Err:      fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, maxAttempts, lastErr),
					}
				}

				if logger != nil {
					logger.Warn("attempt failed, retrying",
						"attempt", attempt, "max", maxAttempts, "sleep", sleep.String(), "error", lastErr)
				}

				timer := time.NewTimer(sleep)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, nil, ctx.Err()
				}
				sleep *= 3
			}
		}
	}
}

// Logger is the minimal logging surface the retry stage needs.
// *slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

// retryable reports whether a transport error is worth another attempt:
// connection failures, timeouts and truncated response bodies.
func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}

// hintFor differentiates the exhaustion diagnostic by failure class.
func hintFor(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return "the server reported an internal failure; retry later or contact the service operator"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "the request timed out repeatedly; raise the download timeout or check for network congestion"
	}

	return "the connection could not be established; check network connectivity and proxy settings"
}
