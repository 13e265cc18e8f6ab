package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quotafetch/quotafetch/client/cache"
	"github.com/quotafetch/quotafetch/client/pipeline"
	"github.com/quotafetch/quotafetch/client/ratelimit"
	"github.com/quotafetch/quotafetch/client/session"
)

// throttleRetryLimit bounds the 429 loop. Throttling is an expected,
// recoverable condition handled outside the generic retry budget, but a
// server that throttles this many consecutive attempts is effectively
// refusing the request.
const throttleRetryLimit = 50

// DecodeFunc converts a raw response body into a structured value based
// on the declared content type. Implementations for image and XML
// formats are supplied by the caller.
type DecodeFunc func(content []byte, contentType string) (any, error)

// DecodeJSON is the default decoder: JSON content types decode into
// any-typed values, everything else passes through as raw bytes.
func DecodeJSON(content []byte, contentType string) (any, error) {
	if !strings.Contains(contentType, "json") {
		return content, nil
	}

	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, fmt.Errorf("decoding json body: %w", err)
	}
	return v, nil
}

// Client executes [Request] values against a quota-enforcing remote
// service: cache-then-network per request, classification and retry
// around every attempt, and optional rate limiting and session
// management.
type Client struct {
	hc       *http.Client
	logger   *slog.Logger
	cfg      Config
	store    *cache.Store
	pacer    ratelimit.Pacer
	sessions *session.Manager
	decode   DecodeFunc
	metrics  *Metrics
	tracer   trace.Tracer
}

// Build constructs a [Client] from the provided options. Without
// options it performs plain, uncached, unlimited requests with the
// default retry policy.
func Build(optFns ...Option) (*Client, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	cfg := DefaultConfig()
	if opts.cfg != nil {
		cfg = *opts.cfg
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := &Client{
		hc:     &http.Client{},
		logger: slog.Default(),
		cfg:    cfg,
		decode: DecodeJSON,
		tracer: noop.NewTracerProvider().Tracer("quotafetch"),
	}

	if opts.client != nil {
		// A copy, so redirect and transport customization below never
		// leaks into a client the caller still owns.
		cpy := *opts.client
		client.hc = &cpy
	}
	if opts.logger != nil {
		client.logger = opts.logger
	}
	if opts.decode != nil {
		client.decode = opts.decode
	}
	if opts.sessions != nil {
		client.sessions = opts.sessions
	}
	if opts.registerer != nil {
		client.metrics = NewMetrics(opts.registerer)
	}
	if opts.tracerProvider != nil {
		client.tracer = opts.tracerProvider.Tracer("quotafetch")
	}

	if opts.dataFolder != "" {
		store, err := cache.New(opts.dataFolder, client.logger)
		if err != nil {
			return nil, fmt.Errorf("configuring cache: %w", err)
		}
		client.store = store
	}

	if opts.rateLimited {
		client.pacer = opts.pacer
		if client.pacer == nil {
			client.pacer = ratelimit.NewOptimistic(cfg.Workers, cfg.MinSpacing, cfg.MaxSpacing,
				ratelimit.WithRetryAfterHeader(cfg.RetryAfterHeader))
		}
	}

	if opts.noFollowRedirects {
		client.hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		transport = http.DefaultTransport
	}
	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}
	if opts.throttle != nil {
		rt, err := ratelimit.NewRoundTripper(opts.throttle.rps, opts.throttle.burst,
			func() *slog.Logger { return client.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	client.hc.Transport = transport

	return client, nil
}

// Do executes a single request through the classification and retry
// stages and, when rate limiting is enabled, through the pacer: acquire
// a slot, fire, feed the response headers back. A 429 updates the pacer
// and loops without consuming the retry budget.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.UseSession && c.sessions == nil {
		return nil, ErrNoSessionManager
	}

	var elapsed time.Duration
	// 404 classifies first so "absent" stays distinguishable from the
	// broader user-error class; the fixed outer order is retry around
	// user-error classification around the raw call.
	run := pipeline.Chain(c.attempt(req, &elapsed),
		pipeline.RetryTemporaryErrors(c.cfg.MaxDownloadAttempts, c.cfg.DownloadSleepTime, c.logger),
		pipeline.FailUserErrors(),
		pipeline.FailMissingFile(),
	)

	if c.pacer == nil {
		resp, body, err := run(ctx)
		if err != nil {
			c.metrics.request("error")
			return nil, err
		}
		return c.newResponse(req, resp, body, elapsed)
	}

	var throttled int
	for {
		if wait := c.pacer.RegisterNext(); wait > 0 {
			if wait == ratelimit.Blocked {
				c.metrics.request("blocked")
				return nil, ErrQuotaBlocked
			}
			c.metrics.waited(wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		resp, body, err := run(ctx)
		if err != nil {
			c.metrics.request("error")
			return nil, err
		}

		c.pacer.Update(resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests {
			c.metrics.request("throttled")
			throttled++
			if throttled >= throttleRetryLimit {
				return nil, &pipeline.StatusError{
					StatusCode: resp.StatusCode,
					Headers:    resp.Header,
					Err:        fmt.Errorf("%w: %d consecutive throttled attempts", ErrThrottled, throttled),
				}
			}
			c.logger.Info("throttled by server, rescheduling",
				"id", req.ID(), "attempt", throttled, "retry_after", resp.Header.Get(c.cfg.RetryAfterHeader))
			continue
		}

		return c.newResponse(req, resp, body, elapsed)
	}
}

// attempt returns the raw network call for one request. Session tokens
// are resolved per attempt so a refresh can happen mid-retry.
func (c *Client) attempt(req *Request, elapsed *time.Duration) pipeline.AttemptFunc {
	return func(ctx context.Context) (*http.Response, []byte, error) {
		if c.cfg.DownloadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.DownloadTimeout)
			defer cancel()
		}

		var payload io.Reader
		if req.Payload != nil {
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(req.Payload); err != nil {
				return nil, nil, fmt.Errorf("encoding request payload: %w", err)
			}
			payload = &buf
		}

		hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, payload)
		if err != nil {
			return nil, nil, fmt.Errorf("instantiating request: %w", err)
		}

		if req.Payload != nil {
			hreq.Header.Set("Content-Type", "application/json")
		}
		hreq.Header.Set("Accept", req.ContentType)
		for k, v := range req.Headers {
			hreq.Header.Set(k, v)
		}

		if req.UseSession {
			tok, err := c.sessions.Token(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("resolving session: %w", err)
			}
			hreq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		}

		start := time.Now()

		resp, err := c.hc.Do(hreq)
		if err != nil {
			return nil, nil, fmt.Errorf("exec http do: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Error("failed to close response body", "error", err)
			}
		}()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			// A truncated body is retryable; surface it as such.
			return nil, nil, fmt.Errorf("reading response body: %w: %w", io.ErrUnexpectedEOF, err)
		}

		*elapsed = time.Since(start)

		return resp, body, nil
	}
}

// newResponse finalizes a pipeline result. Statuses the stages let
// through but that are not successes become errors here.
func (c *Client) newResponse(req *Request, resp *http.Response, body []byte, elapsed time.Duration) (*Response, error) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Only reachable without a pacer; with one, the 429 loop in Do
		// owns this status.
		c.metrics.request("throttled")
		return nil, &pipeline.StatusError{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Err:        ErrThrottled,
		}
	case resp.StatusCode >= 300:
		c.metrics.request("error")
		return nil, &pipeline.StatusError{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Err:        ErrUnexpectedStatusCode,
		}
	}

	c.metrics.request("success")

	return &Response{
		Request:    req,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Content:    body,
		Elapsed:    elapsed,
	}, nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
