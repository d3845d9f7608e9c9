// Package presence fans worker-availability and push events out to clients.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Target is a connection that can receive a one-way event. Notify must not
// block: it enqueues the frame or fails.
type Target interface {
	ID() string
	Notify(event string, payload json.RawMessage) error
}

// Broadcaster delivers events best-effort to a set of targets.
type Broadcaster struct {
	logger    *slog.Logger
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger}
}

// Broadcast sends event to every target and returns how many accepted it.
// A target that fails is logged and skipped.
func (b *Broadcaster) Broadcast(targets []Target, event string, payload json.RawMessage) int {
	n := 0
	for _, t := range targets {
		if err := t.Notify(event, payload); err != nil {
			b.failed.Add(1)
			b.logger.Warn("event delivery failed",
				"event", event,
				"conn_id", t.ID(),
				"error", err,
			)
			continue
		}
		n++
	}
	b.delivered.Add(uint64(n))
	b.logger.Debug("event broadcast", "event", event, "targets", len(targets), "delivered", n)
	return n
}

// Counts returns the number of successful and failed deliveries so far.
func (b *Broadcaster) Counts() (delivered, failed uint64) {
	return b.delivered.Load(), b.failed.Load()
}
