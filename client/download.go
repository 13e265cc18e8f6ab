package client

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DownloadOption is a functional option for [Client.Download].
type DownloadOption func(*downloadOpts) error

type downloadOpts struct {
	workers  int
	tolerant bool
	decode   bool
}

// WithMaxWorkers overrides the configured worker-pool size for one batch.
func WithMaxWorkers(n int) DownloadOption {
	return func(o *downloadOpts) error {
		if n < 1 {
			return fmt.Errorf("workers[%d] %w", n, errAtLeastOne)
		}
		o.workers = n
		return nil
	}
}

// WithTolerant converts per-request terminal failures into logged
// warnings, leaving a nil slot in the results so the rest of the batch
// can succeed.
func WithTolerant() DownloadOption {
	return func(o *downloadOpts) error {
		o.tolerant = true
		return nil
	}
}

// WithoutDecoding returns raw bytes even for requests that ask for data.
func WithoutDecoding() DownloadOption {
	return func(o *downloadOpts) error {
		o.decode = false
		return nil
	}
}

var errAtLeastOne = errors.New("must be at least 1")

// Download executes a batch of requests on a bounded worker pool and
// returns results in submission order regardless of completion order.
//
// Each request goes cache-then-network: a body already on disk is
// collision-checked and served without a network call unless
// ForceDownload is set. In the default strict mode the first terminal
// failure is returned and the results are undefined; with [WithTolerant]
// failed slots are nil and the error is nil.
func (c *Client) Download(ctx context.Context, reqs []*Request, optFns ...DownloadOption) ([]*Response, error) {
	opts := downloadOpts{workers: c.cfg.Workers, decode: true}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}

	// Validation happens before anything is scheduled so a malformed
	// batch never spends quota.
	for i, req := range reqs {
		switch {
		case req == nil:
			return nil, fmt.Errorf("request %d: must not be nil", i)
		case req.SaveResponse && c.store == nil:
			return nil, fmt.Errorf("request %d: %w", i, ErrNoDataFolder)
		case req.UseSession && c.sessions == nil:
			return nil, fmt.Errorf("request %d: %w", i, ErrNoSessionManager)
		}
	}

	results := make([]*Response, len(reqs))
	p := newPool(opts.workers)

	for i, req := range reqs {
		p.start(ctx, func(ctx context.Context) error {
			resp, err := c.fetch(ctx, req, opts.decode)
			if err != nil {
				if opts.tolerant {
					c.logger.Warn("request failed, continuing batch",
						"id", req.ID(), "url", req.URL, "error", err)
					return nil
				}
				return fmt.Errorf("request %s: %w", req.ID(), err)
			}

			// Each slot is written by exactly one worker; wait()
			// publishes the writes to the caller.
			results[i] = resp
			return nil
		})
	}

	if err := p.wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// fetch resolves one request: cached body if present and verified,
// network otherwise, then persistence and decoding.
func (c *Client) fetch(ctx context.Context, req *Request, decode bool) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "quotafetch.fetch", trace.WithAttributes(
		attribute.String("request.id", req.ID()),
		attribute.String("http.method", req.Method),
		attribute.String("url.full", req.URL),
	))
	defer span.End()

	resp, err := c.fetchInner(ctx, req, decode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return resp, nil
}

func (c *Client) fetchInner(ctx context.Context, req *Request, decode bool) (*Response, error) {
	var sidecarPath, bodyPath string
	cached := c.store != nil && (req.SaveResponse || req.Filename != "")

	if cached {
		if req.Filename != "" {
			bodyPath = c.store.ExplicitPath(req.Filename)
		} else {
			var err error
			sidecarPath, bodyPath, err = c.store.Paths(req.URL, req.Payload, req.ContentType)
			if err != nil {
				return nil, err
			}
		}

		if !req.ForceDownload && c.store.Has(bodyPath) {
			return c.serveCached(req, sidecarPath, bodyPath, decode)
		}

		c.metrics.cacheEvent("miss")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SaveResponse {
		if sidecarPath != "" {
			if err := c.store.WriteSidecar(sidecarPath, req.URL, req.Payload, req.Headers); err != nil {
				return nil, fmt.Errorf("persisting sidecar: %w", err)
			}
		}
		if err := c.store.WriteFile(bodyPath, resp.Content); err != nil {
			return nil, fmt.Errorf("persisting body: %w", err)
		}
		c.logger.Debug("response persisted", "id", req.ID(), "path", bodyPath)
	}

	return c.finalize(resp, req, decode)
}

// serveCached returns the on-disk body after the mandatory collision
// check. Explicit-filename entries have no sidecar; the caller owns
// uniqueness there.
func (c *Client) serveCached(req *Request, sidecarPath, bodyPath string, decode bool) (*Response, error) {
	if sidecarPath != "" {
		if err := c.store.Verify(sidecarPath, req.URL, req.Payload); err != nil {
			c.metrics.cacheEvent("collision")
			return nil, err
		}
	}

	content, err := c.store.ReadBody(bodyPath)
	if err != nil {
		return nil, err
	}

	c.metrics.cacheEvent("hit")
	c.logger.Debug("serving cached response", "id", req.ID(), "path", bodyPath)

	resp := &Response{
		Request:    req,
		StatusCode: 200,
		Content:    content,
	}

	return c.finalize(resp, req, decode)
}

// finalize applies the ReturnData flag and the decoder.
func (c *Client) finalize(resp *Response, req *Request, decode bool) (*Response, error) {
	if !req.ReturnData {
		resp.Content = nil
		resp.Data = nil
		return resp, nil
	}

	if decode {
		data, err := c.decode(resp.Content, req.ContentType)
		if err != nil {
			return nil, fmt.Errorf("decoding response for %s: %w", req.ID(), err)
		}
		resp.Data = data
	}

	return resp, nil
}
