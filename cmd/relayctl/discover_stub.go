//go:build !mdns

package main

import "snippet-relay/internal/usecase/discovery"

const mdnsBuilt = false

func newDiscoverer() discovery.Discoverer {
	return discovery.NewNoopDiscoverer()
}
