// Package quotafetch exposes the client builder.
package quotafetch

import (
	"github.com/quotafetch/quotafetch/client"
)

// NewClient instantiates a new *client.Client with the provided options.
// If not specified, the default http.Client and http.Transport are used.
func NewClient(opts ...client.Option) (*client.Client, error) {
	return client.Build(opts...)
}
