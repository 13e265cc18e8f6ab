package client

import (
	"errors"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Request describes a single network operation against the remote service.
// Values are immutable by convention: the orchestrator never mutates a
// Request after submission. Callers that need per-attempt variation should
// Clone and adjust the copy rather than mutating a shared value.
type Request struct {
	// Method is the HTTP method: GET, POST, PUT or DELETE.
	Method string
	// URL is the full request URL, including any query string.
	URL string
	// Headers holds request headers, one value per name.
	Headers map[string]string
	// Payload is an optional JSON-serializable request body.
	Payload any
	// ContentType declares the expected response content type
	// (e.g. "application/json", "image/png"). It selects the cache
	// body file extension and the decoder.
	ContentType string

	// SaveResponse persists the response body and metadata sidecar
	// under the configured data folder.
	SaveResponse bool
	// ReturnData includes the (optionally decoded) response content
	// in the returned Response.
	ReturnData bool
	// UseSession attaches a bearer token from the session manager
	// to each attempt.
	UseSession bool
	// ForceDownload bypasses any cached body and re-downloads.
	ForceDownload bool

	// Filename, when set, is an explicit storage location for the body.
	// Content addressing and collision checking are skipped; the caller
	// owns uniqueness.
	Filename string

	id string
}

// NewRequest constructs a GET-by-default Request with an assigned
// correlation ID. Optional fields are set on the returned struct.
func NewRequest(method, rawURL string) (*Request, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, errors.New("method must be one of GET, POST, PUT, DELETE")
	}

	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, errors.New("url must be absolute and valid")
	}

	return &Request{
		Method:      method,
		URL:         rawURL,
		Headers:     map[string]string{},
		ContentType: "application/json",
		ReturnData:  true,
		id:          uuid.NewString(),
	}, nil
}

// ID returns the request's correlation ID. Requests built without
// NewRequest are assigned one on first use.
func (r *Request) ID() string {
	if r.id == "" {
		r.id = uuid.NewString()
	}
	return r.id
}

// Clone returns a deep copy of the request with a fresh correlation ID.
// The payload value is shared; callers varying it per attempt should
// assign a new payload on the clone.
func (r *Request) Clone() *Request {
	cpy := *r
	cpy.Headers = maps.Clone(r.Headers)
	cpy.id = uuid.NewString()
	return &cpy
}

// Response is the outcome of one successful attempt.
type Response struct {
	// Request is the request that produced this response.
	Request *Request
	// StatusCode is the HTTP status of the final attempt.
	StatusCode int
	// Headers holds the response headers.
	Headers http.Header
	// Content is the raw response body. Nil when the owning request
	// asked for the body to be saved but not returned.
	Content []byte
	// Data is the decoded content when decoding was requested.
	Data any
	// Elapsed is the wall time of the final network attempt; zero for
	// cache hits.
	Elapsed time.Duration
}

// DeriveOption adjusts a single field on a derived Response.
type DeriveOption func(*Response)

// DeriveContent replaces the raw content.
func DeriveContent(content []byte) DeriveOption {
	return func(r *Response) { r.Content = content }
}

// DeriveStatusCode replaces the status code.
func DeriveStatusCode(code int) DeriveOption {
	return func(r *Response) { r.StatusCode = code }
}

// DeriveHeaders replaces the response headers.
func DeriveHeaders(h http.Header) DeriveOption {
	return func(r *Response) { r.Headers = h }
}

// DeriveRequest replaces the owning request.
func DeriveRequest(req *Request) DeriveOption {
	return func(r *Response) { r.Request = req }
}

// Derive returns a copy of the response with the given fields replaced,
// leaving the remaining fields shared with the original.
func (r *Response) Derive(optFns ...DeriveOption) *Response {
	cpy := *r
	for _, opt := range optFns {
		opt(&cpy)
	}
	return &cpy
}
