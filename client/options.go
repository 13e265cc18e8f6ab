package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/quotafetch/quotafetch/client/ratelimit"
	"github.com/quotafetch/quotafetch/client/session"
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error

type throttleConfig struct {
	rps   int
	burst int
}

type options struct {
	client            *http.Client
	rt                http.RoundTripper
	cfg               *Config
	userAgent         string
	throttle          *throttleConfig
	noFollowRedirects bool
	logger            *slog.Logger
	dataFolder        string
	pacer             ratelimit.Pacer
	rateLimited       bool
	sessions          *session.Manager
	decode            DecodeFunc
	registerer        prometheus.Registerer
	tracerProvider    trace.TracerProvider
}

// WithClient replaces the default [http.Client] used by the [Client].
func WithClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		o.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		o.rt = rt
		return nil
	}
}

// WithConfig replaces the entire default [Config]. It is validated
// during [Build].
func WithConfig(cfg Config) Option {
	return func(o *options) error {
		o.cfg = &cfg
		return nil
	}
}

// WithMaxAttempts sets the retry budget for temporary failures.
func WithMaxAttempts(n int) Option {
	return func(o *options) error {
		o.ensureConfig().MaxDownloadAttempts = n
		return nil
	}
}

// WithBaseSleep sets the base backoff before the second attempt.
func WithBaseSleep(d time.Duration) Option {
	return func(o *options) error {
		o.ensureConfig().DownloadSleepTime = d
		return nil
	}
}

// WithTimeout bounds each individual network attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		o.ensureConfig().DownloadTimeout = d
		return nil
	}
}

// WithWorkers sets the batch worker-pool size, which also feeds the
// rate limiter's per-call spacing.
func WithWorkers(n int) Option {
	return func(o *options) error {
		o.ensureConfig().Workers = n
		return nil
	}
}

// WithUserAgent adds a persistent User-Agent header to all outgoing requests.
func WithUserAgent(header string) Option {
	return func(o *options) error {
		o.userAgent = header
		return nil
	}
}

// WithThrottle adds a coarse transport-level ceiling of rps requests
// per second with the given burst, below any quota-aware rate limiting.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ratelimit.ErrMustNotBeZero)
		}
		o.throttle = &throttleConfig{rps: rps, burst: burst}
		return nil
	}
}

// WithNoFollowRedirects prevents the [Client] from following HTTP redirects.
func WithNoFollowRedirects() Option {
	return func(o *options) error {
		o.noFollowRedirects = true
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithDataFolder enables the content-addressed cache rooted at dir.
// Requests with SaveResponse fail fast without it.
func WithDataFolder(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return errors.New("data folder must not be empty")
		}
		o.dataFolder = dir
		return nil
	}
}

// WithRateLimit enables the scalar optimistic rate limiter, spaced by
// the configured workers and spacing bounds.
func WithRateLimit() Option {
	return func(o *options) error {
		o.rateLimited = true
		return nil
	}
}

// WithPacer installs a specific rate-limiting strategy, such as a
// [ratelimit.BucketPacer], instead of the default optimistic estimator.
func WithPacer(p ratelimit.Pacer) Option {
	return func(o *options) error {
		if p == nil {
			return errors.New("pacer must not be nil")
		}
		o.pacer = p
		o.rateLimited = true
		return nil
	}
}

// WithSessionManager attaches bearer tokens from m to requests that
// set UseSession.
func WithSessionManager(m *session.Manager) Option {
	return func(o *options) error {
		if m == nil {
			return errors.New("session manager must not be nil")
		}
		o.sessions = m
		return nil
	}
}

// WithDecoder installs the content decoder applied when a request asks
// for decoded data. The default decodes JSON content types and returns
// raw bytes for everything else.
func WithDecoder(fn DecodeFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("decoder must not be nil")
		}
		o.decode = fn
		return nil
	}
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("registerer must not be nil")
		}
		o.registerer = reg
		return nil
	}
}

// WithTracerProvider emits a span per fetched request through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) error {
		if tp == nil {
			return errors.New("tracer provider must not be nil")
		}
		o.tracerProvider = tp
		return nil
	}
}

func (o *options) ensureConfig() *Config {
	if o.cfg == nil {
		cfg := DefaultConfig()
		o.cfg = &cfg
	}
	return o.cfg
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}
