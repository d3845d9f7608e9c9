package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBroker(cfg, ve)
	validateWorker(cfg, ve)
	validateDiscovery(cfg, ve)
	validateStats(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBroker(cfg *Config, ve *ValidationError) {
	b := cfg.Broker
	if b.Addr == "" {
		ve.Add("broker.addr is required")
	} else if _, _, err := net.SplitHostPort(b.Addr); err != nil {
		ve.Add("broker.addr %q is not a valid host:port", b.Addr)
	}
	if !strings.HasPrefix(b.Path, "/") {
		ve.Add("broker.path %q must start with /", b.Path)
	}
	if b.SendQueue <= 0 {
		ve.Add("broker.send_queue must be > 0")
	}
	if b.CallTimeout < 0 {
		ve.Add("broker.call_timeout must be >= 0")
	}
	if b.WriteTimeout <= 0 {
		ve.Add("broker.write_timeout must be > 0")
	}
	if b.MaxMessage <= 0 {
		ve.Add("broker.max_message_bytes must be > 0")
	}
	if b.RateLimit.Enabled {
		if b.RateLimit.CallsPerSecond <= 0 {
			ve.Add("broker.rate_limit.calls_per_second must be > 0")
		}
		if b.RateLimit.Burst <= 0 {
			ve.Add("broker.rate_limit.burst must be > 0")
		}
		if b.RateLimit.ConnectsPerMin <= 0 {
			ve.Add("broker.rate_limit.connects_per_min must be > 0")
		}
		if b.RateLimit.ConnectBurst <= 0 {
			ve.Add("broker.rate_limit.connect_burst must be > 0")
		}
	}
	switch b.Auth.Type {
	case "":
	case "static":
		if len(b.Auth.Tokens) == 0 {
			ve.Add("broker.auth.tokens must not be empty when auth type is static")
		}
		for i, t := range b.Auth.Tokens {
			if t.Token == "" {
				ve.Add("broker.auth.tokens[%d].token is required", i)
			}
		}
	default:
		ve.Add("broker.auth.type %q is not supported (want static or empty)", b.Auth.Type)
	}
}

func validateWorker(cfg *Config, ve *ValidationError) {
	if cfg.Worker.Enabled && cfg.Worker.Command == "" {
		ve.Add("worker.command is required when worker is enabled")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if !cfg.Discovery.Enabled {
		return
	}
	if cfg.Discovery.Instance == "" {
		ve.Add("discovery.instance is required when discovery is enabled")
	}
	if !strings.HasPrefix(cfg.Discovery.Service, "_") {
		ve.Add("discovery.service %q must look like _name._tcp", cfg.Discovery.Service)
	}
}

func validateStats(cfg *Config, ve *ValidationError) {
	if !cfg.Stats.Enabled {
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Stats.Schedule); err != nil {
		ve.Add("stats.schedule %q: %v", cfg.Stats.Schedule, err)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
