package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Worker    WorkerConfig    `yaml:"worker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Stats     StatsConfig     `yaml:"stats"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// BrokerConfig holds WebSocket broker settings.
type BrokerConfig struct {
	Addr           string          `yaml:"addr"`
	Path           string          `yaml:"path"`
	SendQueue      int             `yaml:"send_queue"`   // outbound frames buffered per connection
	CallTimeout    time.Duration   `yaml:"call_timeout"` // 0 = calls wait for the worker indefinitely
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	MaxMessage     int64           `yaml:"max_message_bytes"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Auth           AuthConfig      `yaml:"auth"`
}

// RateLimitConfig bounds how fast a single connection may issue calls and
// how fast a single IP may open connections.
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	CallsPerSecond float64 `yaml:"calls_per_second"`
	Burst          int     `yaml:"burst"`
	ConnectsPerMin int     `yaml:"connects_per_min"`
	ConnectBurst   int     `yaml:"connect_burst"`
}

// AuthConfig holds broker authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single broker auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// WorkerConfig describes the worker command relayd launches once at startup.
type WorkerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// DiscoveryConfig holds mDNS settings.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// StatsConfig holds the periodic stats report schedule.
type StatsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or @every descriptor
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr:         ":5234",
			Path:         "/ws",
			SendQueue:    64,
			WriteTimeout: 5 * time.Second,
			MaxMessage:   1 << 20,
			RateLimit: RateLimitConfig{
				CallsPerSecond: 50,
				Burst:          100,
				ConnectsPerMin: 60,
				ConnectBurst:   20,
			},
		},
		Discovery: DiscoveryConfig{
			Instance: "snippet-relay",
			Service:  "_snippet-relay._tcp",
			Domain:   "local.",
		},
		Stats: StatsConfig{
			Schedule: "@every 1m",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("RELAY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BROKER_ADDR"); v != "" {
		cfg.Broker.Addr = v
	}
	if v := os.Getenv("RELAY_BROKER_PATH"); v != "" {
		cfg.Broker.Path = v
	}
	if v := os.Getenv("RELAY_BROKER_SEND_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.SendQueue = n
		}
	}
	if v := os.Getenv("RELAY_BROKER_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.CallTimeout = d
		}
	}
	if v := os.Getenv("RELAY_BROKER_ALLOWED_ORIGINS"); v != "" {
		cfg.Broker.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RELAY_BROKER_RATE_LIMIT_ENABLED"); v != "" {
		cfg.Broker.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("RELAY_BROKER_TOKEN"); v != "" {
		cfg.Broker.Auth.Type = "static"
		cfg.Broker.Auth.Tokens = append(cfg.Broker.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("RELAY_WORKER_COMMAND"); v != "" {
		cfg.Worker.Enabled = true
		cfg.Worker.Command = v
	}
	if v := os.Getenv("RELAY_WORKER_ARGS"); v != "" {
		cfg.Worker.Args = strings.Fields(v)
	}
	if v := os.Getenv("RELAY_WORKER_DIR"); v != "" {
		cfg.Worker.Dir = v
	}
	if v := os.Getenv("RELAY_DISCOVERY_ENABLED"); v != "" {
		cfg.Discovery.Enabled = v == "true"
	}
	if v := os.Getenv("RELAY_STATS_SCHEDULE"); v != "" {
		cfg.Stats.Enabled = true
		cfg.Stats.Schedule = v
	}
	if v := os.Getenv("RELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
