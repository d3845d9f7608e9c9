package scheduling

import (
	"context"
	"log/slog"

	"snippet-relay/internal/domain"
)

// StatsSource reports a snapshot of the relay.
type StatsSource interface {
	Stats() domain.RelayStats
}

// StatsJob logs one line describing the relay each time it runs.
func StatsJob(src StatsSource, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		st := src.Stats()
		logger.LogAttrs(ctx, slog.LevelInfo, "relay stats",
			slog.Int("connections", st.Connections),
			slog.Int("clients", st.Clients),
			slog.Int("unknown", st.Unknown),
			slog.Bool("worker_available", st.WorkerAvailable),
			slog.Int("pending_calls", st.PendingCalls),
		)
		return ctx.Err()
	}
}
