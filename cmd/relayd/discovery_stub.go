//go:build !mdns

package main

import (
	"log/slog"

	"snippet-relay/internal/infra/config"
	"snippet-relay/internal/usecase/discovery"
)

func buildDiscoverer(_ config.DiscoveryConfig, _ *slog.Logger) discovery.Discoverer {
	return discovery.NewNoopDiscoverer()
}
