//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const scanWindow = 3 * time.Second

// MDNSDiscoverer finds and announces brokers over mDNS/DNS-SD.
type MDNSDiscoverer struct {
	cfg    Config
	logger *slog.Logger
}

// NewMDNSDiscoverer creates an MDNSDiscoverer.
func NewMDNSDiscoverer(cfg Config, logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{cfg: cfg.withDefaults(), logger: logger}
}

// Scan browses for brokers for up to the scan window.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]Broker, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var brokers []Broker
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, scanWindow)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b, ok := entryToBroker(entry)
			if !ok {
				continue
			}
			mu.Lock()
			brokers = append(brokers, b)
			mu.Unlock()
			d.logger.Debug("mdns found broker", "instance", b.Instance, "url", b.URL())
		}
	}()

	if err := resolver.Browse(scanCtx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Broker(nil), brokers...), nil
}

// Advertise registers the broker and blocks until ctx is cancelled.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	server, err := zeroconf.Register(instance, d.cfg.Service, d.cfg.Domain, port, txtRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "instance", instance, "port", port, "service", d.cfg.Service)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToBroker(entry *zeroconf.ServiceEntry) (Broker, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Broker{}, false
	}

	meta := parseTXT(entry.Text)
	return Broker{
		Instance: entry.ServiceRecord.Instance,
		Host:     host,
		Port:     entry.Port,
		Path:     meta["path"],
		Version:  meta["version"],
		Metadata: meta,
	}, true
}
