// Package client implements the download-orchestration core: request
// and response modeling, content-addressed caching with collision
// detection, failure classification and retry, adaptive client-side
// rate limiting, and OAuth2 session lifecycle.
//
// # Building a Client
//
// Use [Build] with functional options:
//
//	c, err := client.Build(
//		client.WithDataFolder("/var/cache/quotafetch"),
//		client.WithRateLimit(),
//		client.WithWorkers(4),
//	)
//
// # Single Requests
//
// Construct a [Request] and execute it with [Client.Do]:
//
//	req, err := client.NewRequest(http.MethodGet, "https://api.example.com/v1/scene")
//	req.SaveResponse = true
//	resp, err := c.Do(ctx, req)
//
// # Batches
//
// [Client.Download] runs a batch on a bounded worker pool, preserving
// submission order in the results:
//
//	results, err := c.Download(ctx, reqs, client.WithMaxWorkers(2))
//
// With [WithTolerant], individual failures become logged warnings and
// nil slots instead of failing the batch.
//
// # Sessions
//
// Requests with UseSession carry a bearer token managed by
// [github.com/quotafetch/quotafetch/client/session]; tokens refresh
// proactively ahead of expiry and are shared through an injectable
// registry.
//
// # Rate Limiting
//
// [WithRateLimit] enables the optimistic pacer from
// [github.com/quotafetch/quotafetch/client/ratelimit]: requests go out
// at the minimum configured spacing, and 429 responses push the shared
// schedule forward by the server's Retry-After signal without consuming
// the retry budget.
package client
