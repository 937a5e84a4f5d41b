package archive

import (
	"log/slog"
	"net/http"
	"time"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithCredentials sets the basic-auth credentials attached to every request
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout bounds every network round trip. The default is 5 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFindLimit caps the number of results requested per find call
func WithFindLimit(limit int) ClientOption {
	return func(c *Client) {
		c.findLimit = limit
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets a custom structured logger for the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}
