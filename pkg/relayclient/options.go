package relayclient

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token presented on the WebSocket upgrade.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReadLimit sets the largest frame the client accepts, in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithReconnect makes the client redial after losing its connection,
// backing off from minDelay up to maxDelay between attempts.
func WithReconnect(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.minBackoff = minDelay
		c.maxBackoff = maxDelay
	}
}
