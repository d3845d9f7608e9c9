package discovery

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		b    Broker
		want string
	}{
		{Broker{Host: "192.168.1.10", Port: 5234}, "ws://192.168.1.10:5234/ws"},
		{Broker{Host: "fe80::1", Port: 5234, Path: "/relay"}, "ws://[fe80::1]:5234/relay"},
	}
	for _, tt := range tests {
		if got := tt.b.URL(); got != tt.want {
			t.Errorf("URL() = %q, want %q", got, tt.want)
		}
	}
}

func TestTXTRoundTrip(t *testing.T) {
	meta := map[string]string{"version": "dev", "path": "/ws"}
	txt := txtRecords(meta)
	sort.Strings(txt)
	if len(txt) != 2 || txt[0] != "path=/ws" || txt[1] != "version=dev" {
		t.Fatalf("txtRecords = %v", txt)
	}

	got := parseTXT(append(txt, "malformed", "k=v=w"))
	if got["path"] != "/ws" || got["version"] != "dev" || got["k"] != "v=w" {
		t.Errorf("parseTXT = %v", got)
	}
	if _, ok := got["malformed"]; ok {
		t.Error("entry without = should be skipped")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.Service != DefaultService || c.Domain != DefaultDomain {
		t.Errorf("defaults = %+v", c)
	}
	c = Config{Service: "_x._tcp"}.withDefaults()
	if c.Service != "_x._tcp" {
		t.Errorf("Service overridden: %q", c.Service)
	}
}

func TestNoopDiscoverer(t *testing.T) {
	var d Discoverer = NewNoopDiscoverer()
	brokers, err := d.Scan(context.Background())
	if err != nil || brokers != nil {
		t.Errorf("Scan = %v, %v", brokers, err)
	}
	if err := d.Advertise(context.Background(), "relay", 5234, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Advertise = %v, want ErrUnavailable", err)
	}
}
