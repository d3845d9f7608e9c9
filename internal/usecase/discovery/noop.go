package discovery

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by the no-op discoverer.
var ErrUnavailable = errors.New("mdns discovery not compiled in (build with -tags mdns)")

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct{}

// NewNoopDiscoverer creates a NoopDiscoverer.
func NewNoopDiscoverer() *NoopDiscoverer { return &NoopDiscoverer{} }

// Scan finds nothing.
func (NoopDiscoverer) Scan(context.Context) ([]Broker, error) { return nil, nil }

// Advertise reports ErrUnavailable without blocking.
func (NoopDiscoverer) Advertise(context.Context, string, int, map[string]string) error {
	return ErrUnavailable
}
