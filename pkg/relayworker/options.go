package relayworker

import "log/slog"

// Option configures a Worker.
type Option func(*Worker)

// WithToken sets the bearer token presented on the WebSocket upgrade.
func WithToken(token string) Option {
	return func(w *Worker) { w.token = token }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithReadLimit sets the largest frame the worker accepts, in bytes.
func WithReadLimit(n int64) Option {
	return func(w *Worker) { w.readLimit = n }
}
