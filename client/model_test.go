package client_test

import (
	"net/http"
	"testing"

	"github.com/quotafetch/quotafetch/client"
)

func TestNewRequest(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		url    string
		expErr bool
	}{
		{name: "get", method: http.MethodGet, url: "https://example.com/data"},
		{name: "post", method: http.MethodPost, url: "https://example.com/data"},
		{name: "put", method: http.MethodPut, url: "https://example.com/data"},
		{name: "delete", method: http.MethodDelete, url: "https://example.com/data"},
		{name: "patch rejected", method: http.MethodPatch, url: "https://example.com/data", expErr: true},
		{name: "empty method rejected", method: "", url: "https://example.com/data", expErr: true},
		{name: "relative url rejected", method: http.MethodGet, url: "data/items", expErr: true},
		{name: "empty url rejected", method: http.MethodGet, url: "", expErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := client.NewRequest(tc.method, tc.url)
			if tc.expErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if req.ContentType != "application/json" {
				t.Errorf("got content type %q, want the JSON default", req.ContentType)
			}
			if !req.ReturnData {
				t.Error("ReturnData should default to true")
			}
			if req.ID() == "" {
				t.Error("expected an assigned correlation id")
			}
		})
	}
}

func TestRequest_Clone(t *testing.T) {
	req, err := client.NewRequest(http.MethodGet, "https://example.com/data")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Headers["X-Tenant"] = "alpha"

	cpy := req.Clone()

	if cpy.ID() == req.ID() {
		t.Error("clone must carry a fresh correlation id")
	}

	cpy.Headers["X-Tenant"] = "beta"
	if got := req.Headers["X-Tenant"]; got != "alpha" {
		t.Errorf("mutating the clone's headers changed the original to %q", got)
	}

	if cpy.URL != req.URL || cpy.Method != req.Method || cpy.ContentType != req.ContentType {
		t.Error("clone must copy the remaining fields verbatim")
	}
}

func TestResponse_Derive(t *testing.T) {
	req, err := client.NewRequest(http.MethodGet, "https://example.com/data")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	orig := &client.Response{
		Request:    req,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Content:    []byte(`{"a":1}`),
	}

	derived := orig.Derive(
		client.DeriveStatusCode(204),
		client.DeriveContent(nil),
	)

	if derived.StatusCode != 204 || derived.Content != nil {
		t.Errorf("got status %d content %v, want the replaced values", derived.StatusCode, derived.Content)
	}
	if derived.Request != orig.Request {
		t.Error("fields not named in the derivation must be shared")
	}
	if orig.StatusCode != 200 || string(orig.Content) != `{"a":1}` {
		t.Error("deriving must not mutate the original response")
	}

	other := req.Clone()
	rebound := orig.Derive(client.DeriveRequest(other), client.DeriveHeaders(nil))
	if rebound.Request != other {
		t.Error("DeriveRequest must replace the owning request")
	}
	if rebound.Headers != nil {
		t.Error("DeriveHeaders must replace the headers")
	}
}
