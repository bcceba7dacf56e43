// Package config loads stepkit's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/telemetry"
)

// Config is the full process configuration.
type Config struct {
	// TasksDir holds YAML or JSON task definitions loaded at startup.
	TasksDir string `toml:"tasks_dir"`

	Store       StoreConfig     `toml:"store"`
	Worker      WorkerConfig    `toml:"worker"`
	API         APIConfig       `toml:"api"`
	Log         LogConfig       `toml:"log"`
	Telemetry   TelemetryConfig `toml:"telemetry"`
	Events      EventsConfig    `toml:"events"`
	HTTPMethods []HTTPMethod    `toml:"http_methods"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Backend is "memory" or "nats".
	Backend  string `toml:"backend"`
	URL      string `toml:"url"`
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`
}

// WorkerConfig tunes the dispatcher.
type WorkerConfig struct {
	// ID names this worker in lock ownership and logs. Generated when empty.
	ID           string   `toml:"id"`
	PollInterval Duration `toml:"poll_interval"`
	LockTTL      Duration `toml:"lock_ttl"`
	BatchSize    int      `toml:"batch_size"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures span export.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`
}

// EventsConfig configures the audit event exporter.
type EventsConfig struct {
	// Protocol is "noop", "file" or "http".
	Protocol string `toml:"protocol"`
	Endpoint string `toml:"endpoint"`
}

// HTTPMethod exposes a remote HTTP endpoint as a task method.
type HTTPMethod struct {
	Name    string            `toml:"name"`
	URL     string            `toml:"url"`
	Method  string            `toml:"method"`
	Timeout Duration          `toml:"timeout"`
	Headers map[string]string `toml:"headers"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	return &Config{
		TasksDir: "tasks",
		Store: StoreConfig{
			Backend:  "memory",
			Bucket:   "stepkit",
			Replicas: 1,
		},
		Worker: WorkerConfig{
			PollInterval: Duration{5 * time.Second},
			LockTTL:      Duration{5 * time.Minute},
			BatchSize:    100,
		},
		API:       APIConfig{Listen: ":8080"},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "stepkit"},
		Events:    EventsConfig{Protocol: "noop"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := cfg.parse(string(content)); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads TOML content over the defaults. Environment overrides are
// not applied.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(content); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(content string) error {
	md, err := toml.Decode(content, c)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.InvalidInput("unknown config keys: " + strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STEPKIT_STORE_URL"); v != "" {
		c.Store.URL = v
		if c.Store.Backend == "memory" {
			c.Store.Backend = "nats"
		}
	}
	if v := os.Getenv("STEPKIT_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("STEPKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STEPKIT_TASKS_DIR"); v != "" {
		c.TasksDir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Store.URL == "" {
			return errors.InvalidInput("store.url required for nats backend")
		}
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	if c.Worker.PollInterval.Duration <= 0 {
		return errors.InvalidInput("worker.poll_interval must be positive")
	}
	if c.Worker.LockTTL.Duration <= 0 {
		return errors.InvalidInput("worker.lock_ttl must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return errors.InvalidInput("worker.batch_size must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "log.level")
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown telemetry protocol %q", c.Telemetry.Protocol))
	}

	switch c.Events.Protocol {
	case "", "noop":
	case "file", "http":
		if c.Events.Endpoint == "" {
			return errors.InvalidInput(fmt.Sprintf("events.endpoint required for %s events", c.Events.Protocol))
		}
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown events protocol %q", c.Events.Protocol))
	}

	seen := make(map[string]bool, len(c.HTTPMethods))
	for i, m := range c.HTTPMethods {
		if m.Name == "" || m.URL == "" {
			return errors.InvalidInput(fmt.Sprintf("http_methods[%d] needs name and url", i))
		}
		if seen[m.Name] {
			return errors.InvalidInput(fmt.Sprintf("http method %s defined twice", m.Name))
		}
		seen[m.Name] = true
		switch strings.ToUpper(m.Method) {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return errors.InvalidInput(fmt.Sprintf("http method %s: unsupported verb %q", m.Name, m.Method))
		}
	}
	return nil
}

// ProviderConfig converts the telemetry section.
func (c *Config) ProviderConfig() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		Enabled:     c.Telemetry.Enabled,
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
		Debug:       c.Telemetry.Debug,
	}
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *logging.Logger {
	l := logging.New()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(level)
	}
	return l
}
