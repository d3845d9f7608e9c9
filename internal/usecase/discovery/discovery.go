// Package discovery advertises the broker on the local network and finds
// brokers from relayctl. The mDNS implementation is compiled in with the
// mdns build tag; without it a no-op discoverer is used.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultService = "_snippet-relay._tcp"
	DefaultDomain  = "local."
)

// Broker is a relay broker found on the network.
type Broker struct {
	Instance string
	Host     string
	Port     int
	Path     string
	Version  string
	Metadata map[string]string
}

// URL returns the WebSocket URL of the broker.
func (b Broker) URL() string {
	path := b.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(b.Host, strconv.Itoa(b.Port)), path)
}

// Discoverer advertises and browses relay brokers.
type Discoverer interface {
	// Scan browses for brokers until ctx is done or the scan window ends.
	Scan(ctx context.Context) ([]Broker, error)
	// Advertise announces a broker and blocks until ctx is cancelled.
	Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error
}

// Config selects the DNS-SD service and domain.
type Config struct {
	Service string
	Domain  string
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	return c
}

func txtRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	return txt
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
