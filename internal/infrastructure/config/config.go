package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Conduit Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Link      LinkConfig      `yaml:"link"`
	Registry  RegistryConfig  `yaml:"registry"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HubConfig contains hub-instance identification.
type HubConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LinkConfig contains device link (WebSocket session) settings.
type LinkConfig struct {
	// HandshakeGrace is how long a freshly accepted transport may take to
	// send its registration frame before the connection is closed.
	HandshakeGrace time.Duration `yaml:"handshake_grace"`

	// SendBuffer is the per-session bounded outbound queue size. When the
	// buffer is full, sends are rejected as congested rather than queued.
	SendBuffer int `yaml:"send_buffer"`

	// AckTimeout is how long a delivery waits for a device acknowledgment
	// before the attempt is counted as failed.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// CommandTimeout is how long a correlated command waits for its response.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxFrameSize limits inbound frame size in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// PingInterval and PongTimeout drive transport-level keepalive.
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// RegistryConfig contains device registry liveness settings.
type RegistryConfig struct {
	// LivenessTimeout is the maximum silence before a device is demoted
	// to offline by the sweep.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// SweepInterval is how often the liveness sweep runs. Independent of
	// the router's expiry horizon.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RouterConfig contains message router settings.
type RouterConfig struct {
	// Workers is the number of concurrent dispatch workers.
	Workers int `yaml:"workers"`

	// RetryBudget is the number of delivery attempts for at-least-once and
	// exactly-once-intent messages before they are marked failed.
	RetryBudget int `yaml:"retry_budget"`

	// RetryBackoff is the delay before a failed attempt is requeued.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxResidency is the expiry horizon: messages still queued or routing
	// beyond this age transition to expired.
	MaxResidency time.Duration `yaml:"max_residency"`

	// ExpirySweepInterval is how often the expiry sweep runs.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

// CacheConfig contains tiered cache TTL settings.
type CacheConfig struct {
	StatusTTL time.Duration `yaml:"status_ttl"`
	DetailTTL time.Duration `yaml:"detail_ttl"`
	ListTTL   time.Duration `yaml:"list_ttl"`
}

// EventsConfig contains the optional MQTT event feed settings.
type EventsConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Broker    EventsBrokerConfig    `yaml:"broker"`
	Auth      EventsAuthConfig      `yaml:"auth"`
	QoS       int                   `yaml:"qos"`
	Reconnect EventsReconnectConfig `yaml:"reconnect"`
}

// EventsBrokerConfig contains MQTT broker connection details.
type EventsBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// EventsAuthConfig contains MQTT authentication credentials.
type EventsAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EventsReconnectConfig contains MQTT reconnection settings in seconds.
type EventsReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig contains the optional InfluxDB telemetry sink settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The loading order is: hardcoded defaults, then YAML file values, then
// environment variables. Environment variables follow the pattern
// CONDUIT_SECTION_KEY, e.g. CONDUIT_DATABASE_PATH, CONDUIT_API_PORT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in defaults with environment overrides applied
// but without reading a file. Useful for tests and env-only deployments.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ID:   "hub-001",
			Name: "Conduit",
		},
		Database: DatabaseConfig{
			Path:        "./data/conduit.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Link: LinkConfig{
			HandshakeGrace: 5 * time.Second,
			SendBuffer:     64,
			AckTimeout:     3 * time.Second,
			CommandTimeout: 10 * time.Second,
			MaxFrameSize:   64 * 1024,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
		},
		Registry: RegistryConfig{
			LivenessTimeout: 90 * time.Second,
			SweepInterval:   15 * time.Second,
		},
		Router: RouterConfig{
			Workers:             4,
			RetryBudget:         3,
			RetryBackoff:        2 * time.Second,
			AttemptTimeout:      3 * time.Second,
			MaxResidency:        15 * time.Minute,
			ExpirySweepInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			StatusTTL: 5 * time.Second,
			DetailTTL: 60 * time.Second,
			ListTTL:   60 * time.Second,
		},
		Events: EventsConfig{
			Broker: EventsBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "conduit-core",
			},
			QoS: 1,
			Reconnect: EventsReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CONDUIT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUIT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONDUIT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CONDUIT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("CONDUIT_EVENTS_HOST"); v != "" {
		cfg.Events.Broker.Host = v
	}
	if v := os.Getenv("CONDUIT_EVENTS_USERNAME"); v != "" {
		cfg.Events.Auth.Username = v
	}
	if v := os.Getenv("CONDUIT_EVENTS_PASSWORD"); v != "" {
		cfg.Events.Auth.Password = v
	}
	if v := os.Getenv("CONDUIT_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Hub.ID == "" {
		errs = append(errs, "hub.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Link.SendBuffer < 1 {
		errs = append(errs, "link.send_buffer must be at least 1")
	}
	if c.Link.HandshakeGrace <= 0 {
		errs = append(errs, "link.handshake_grace must be positive")
	}
	if c.Registry.LivenessTimeout <= 0 {
		errs = append(errs, "registry.liveness_timeout must be positive")
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, "registry.sweep_interval must be positive")
	}
	if c.Router.Workers < 1 {
		errs = append(errs, "router.workers must be at least 1")
	}
	if c.Router.RetryBudget < 1 {
		errs = append(errs, "router.retry_budget must be at least 1")
	}
	if c.Router.AttemptTimeout <= 0 {
		errs = append(errs, "router.attempt_timeout must be positive")
	}
	if c.Router.MaxResidency <= 0 {
		errs = append(errs, "router.max_residency must be positive")
	}
	if c.Events.Enabled {
		if c.Events.QoS < 0 || c.Events.QoS > 2 {
			errs = append(errs, "events.qos must be 0, 1, or 2")
		}
		if c.Events.Broker.Host == "" {
			errs = append(errs, "events.broker.host is required when events are enabled")
		}
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
