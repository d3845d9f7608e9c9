//go:build mdns

package main

import (
	"snippet-relay/internal/infra/logger"
	"snippet-relay/internal/usecase/discovery"
)

const mdnsBuilt = true

func newDiscoverer() discovery.Discoverer {
	return discovery.NewMDNSDiscoverer(discovery.Config{}, logger.Discard())
}
