//go:build mdns

package main

import (
	"log/slog"

	"snippet-relay/internal/infra/config"
	"snippet-relay/internal/usecase/discovery"
)

func buildDiscoverer(cfg config.DiscoveryConfig, logger *slog.Logger) discovery.Discoverer {
	return discovery.NewMDNSDiscoverer(discovery.Config{Service: cfg.Service, Domain: cfg.Domain}, logger)
}
