// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/telemetry"
	"github.com/polisai/polis-relay/pkg/transport/framed"
	"github.com/polisai/polis-relay/pkg/transport/inproc"
	"github.com/polisai/polis-relay/pkg/transport/rest"
)

// Transport kinds
const (
	TransportInproc = "inproc"
	TransportREST   = "rest"
	TransportFramed = "framed"
)

// Config holds the global configuration for the relay.
type Config struct {
	Relay     relay.Config           `yaml:"relay"`
	Retry     governance.RetryConfig `yaml:"retry"`
	Transport TransportConfig        `yaml:"transport"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Telemetry telemetry.Config       `yaml:"telemetry"`
	Logging   logging.Config         `yaml:"logging"`
	Server    ServerConfig           `yaml:"server"`
}

// TransportConfig selects and configures the adapter behind the dispatcher.
type TransportConfig struct {
	Kind           string                          `yaml:"kind"`
	Inproc         inproc.Config                   `yaml:"inproc"`
	REST           rest.Config                     `yaml:"rest"`
	Framed         framed.Config                   `yaml:"framed"`
	RateLimit      governance.RateLimiterConfig    `yaml:"rate_limit"`
	CircuitBreaker governance.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestTimeout caps the per-request timeout accepted over HTTP.
	MaxRequestTimeout time.Duration `yaml:"max_request_timeout"`
}

// Default returns a configuration that runs with the in-process transport.
func Default() *Config {
	return &Config{
		Relay: relay.DefaultConfig(),
		Retry: governance.DefaultRetryConfig(),
		Transport: TransportConfig{
			Kind:           TransportInproc,
			Inproc:         inproc.DefaultConfig(),
			REST:           rest.DefaultConfig(),
			Framed:         framed.DefaultConfig(),
			CircuitBreaker: governance.DefaultCircuitBreakerConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
		Server: ServerConfig{
			Address:           ":8095",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxRequestTimeout: 2 * time.Minute,
		},
	}
}

// Load reads configuration from a file over the defaults and applies
// environment variable overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RELAY_SERVER_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("RELAY_TRANSPORT"); val != "" {
		cfg.Transport.Kind = val
	}
	if val := os.Getenv("RELAY_REST_BASE_URL"); val != "" {
		cfg.Transport.REST.BaseURL = val
	}
	if val := os.Getenv("RELAY_FRAMED_ADDR"); val != "" {
		cfg.Transport.Framed.Address = val
	}
	if val := os.Getenv("RELAY_DEFAULT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Relay.DefaultTimeout = d
		}
	}
	if val := os.Getenv("RELAY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}

	if val := os.Getenv("RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("RELAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RELAY_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay configuration: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport configuration: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	return nil
}

// Validate checks the selected transport has what it needs.
func (t TransportConfig) Validate() error {
	switch strings.ToLower(t.Kind) {
	case TransportInproc:
		if t.Inproc.QueueSize < 0 {
			return fmt.Errorf("inproc queue_size cannot be negative")
		}
	case TransportREST:
		if t.REST.BaseURL == "" {
			return fmt.Errorf("rest base_url is required")
		}
	case TransportFramed:
		if t.Framed.Address == "" {
			return fmt.Errorf("framed address is required")
		}
	default:
		return fmt.Errorf("unknown transport kind %q (want inproc, rest or framed)", t.Kind)
	}
	if t.RateLimit.RequestsPerSecond < 0 || t.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit values cannot be negative")
	}
	if t.CircuitBreaker.MaxFailures < 0 {
		return fmt.Errorf("circuit_breaker max_failures cannot be negative")
	}
	return nil
}

// Validate checks the metrics path.
func (m MetricsConfig) Validate() error {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with /, got %q", m.Path)
	}
	return nil
}

// Validate checks the listen address and timeouts.
func (s ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if s.ReadHeaderTimeout < 0 || s.ShutdownTimeout < 0 || s.MaxRequestTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}
