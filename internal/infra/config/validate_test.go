package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Broker.Addr = "" }, "broker.addr is required"},
		{"bad addr", func(c *Config) { c.Broker.Addr = "5234" }, "not a valid host:port"},
		{"relative path", func(c *Config) { c.Broker.Path = "ws" }, "must start with /"},
		{"zero queue", func(c *Config) { c.Broker.SendQueue = 0 }, "broker.send_queue"},
		{"negative timeout", func(c *Config) { c.Broker.CallTimeout = -1 }, "broker.call_timeout"},
		{"rate limit zero", func(c *Config) {
			c.Broker.RateLimit.Enabled = true
			c.Broker.RateLimit.CallsPerSecond = 0
		}, "calls_per_second"},
		{"static auth no tokens", func(c *Config) { c.Broker.Auth.Type = "static" }, "tokens must not be empty"},
		{"static auth blank token", func(c *Config) {
			c.Broker.Auth.Type = "static"
			c.Broker.Auth.Tokens = []TokenConfig{{Name: "x"}}
		}, "tokens[0].token is required"},
		{"unknown auth", func(c *Config) { c.Broker.Auth.Type = "oauth" }, "not supported"},
		{"worker without command", func(c *Config) { c.Worker.Enabled = true }, "worker.command"},
		{"discovery bad service", func(c *Config) {
			c.Discovery.Enabled = true
			c.Discovery.Service = "relay"
		}, "discovery.service"},
		{"stats bad schedule", func(c *Config) {
			c.Stats.Enabled = true
			c.Stats.Schedule = "every now and then"
		}, "stats.schedule"},
		{"logger level", func(c *Config) { c.Logger.Level = "verbose" }, "logger.level"},
		{"logger format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"tracer exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, "tracer.exporter"},
		{"tracer ratio", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.SampleRatio = 2
		}, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Addr = ""
	cfg.Broker.SendQueue = 0
	cfg.Logger.Format = "xml"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateStatsDescriptor(t *testing.T) {
	cfg := Defaults()
	cfg.Stats.Enabled = true
	for _, s := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		cfg.Stats.Schedule = s
		if err := Validate(cfg); err != nil {
			t.Errorf("schedule %q should be valid: %v", s, err)
		}
	}
}
