// Package config loads and validates application configuration from
// defaults, a YAML or TOML file, environment variables and flags, in
// that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration decodes "30s" style strings in YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Profiling ProfilingConfig `yaml:"profiling" toml:"profiling"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	MaxConnections int      `yaml:"max_connections" toml:"max_connections"`
	ReadBufferSize int      `yaml:"read_buffer_size" toml:"read_buffer_size"`
	BodyLimit      int      `yaml:"body_limit" toml:"body_limit"`
	IdleTimeout    Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
	// Workers sizes the handler pool; 0 means one per CPU, negative
	// runs handlers inline on the event loop.
	Workers int `yaml:"workers" toml:"workers"`
}

type LogConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Service string `yaml:"service" toml:"service"`
}

type AuthConfig struct {
	// Secret enables the JWT layer when set; it must be at least 32
	// bytes.
	Secret     string   `yaml:"secret" toml:"secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	AccessTTL  Duration `yaml:"access_ttl" toml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl" toml:"refresh_ttl"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Exporter is "grpc" or "http".
	Exporter     string  `yaml:"exporter" toml:"exporter"`
	Endpoint     string  `yaml:"endpoint" toml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate"`
	Environment  string  `yaml:"environment" toml:"environment"`
}

type ProfilingConfig struct {
	Enabled  bool `yaml:"enabled" toml:"enabled"`
	RingSize int  `yaml:"ring_size" toml:"ring_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxConnections: 100000,
			ReadBufferSize: 16 * 1024,
			BodyLimit:      4 << 20,
			IdleTimeout:    Duration(30 * time.Second),
			ShutdownGrace:  Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:   "info",
			Service: "ramapi",
		},
		Auth: AuthConfig{
			AccessTTL:  Duration(15 * time.Minute),
			RefreshTTL: Duration(7 * 24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
		Profiling: ProfilingConfig{
			RingSize: 1024,
		},
	}
}

// Load builds the effective configuration: defaults, then the file at
// path (may be empty), then environment variables. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

// applyEnv overlays RAMAPI_* environment variables. Unset and malformed
// values leave the current value in place.
func (c *Config) applyEnv() {
	envString("RAMAPI_SERVER_ADDR", &c.Server.Addr)
	envInt("RAMAPI_SERVER_MAX_CONNECTIONS", &c.Server.MaxConnections)
	envInt("RAMAPI_SERVER_BODY_LIMIT", &c.Server.BodyLimit)
	envInt("RAMAPI_SERVER_WORKERS", &c.Server.Workers)
	envDuration("RAMAPI_SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)
	envDuration("RAMAPI_SERVER_SHUTDOWN_GRACE", &c.Server.ShutdownGrace)

	envString("RAMAPI_LOG_LEVEL", &c.Log.Level)
	envString("RAMAPI_LOG_SERVICE", &c.Log.Service)

	envString("RAMAPI_AUTH_SECRET", &c.Auth.Secret)
	envString("RAMAPI_AUTH_ISSUER", &c.Auth.Issuer)
	envString("RAMAPI_AUTH_AUDIENCE", &c.Auth.Audience)
	envDuration("RAMAPI_AUTH_ACCESS_TTL", &c.Auth.AccessTTL)
	envDuration("RAMAPI_AUTH_REFRESH_TTL", &c.Auth.RefreshTTL)

	envBool("RAMAPI_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envString("RAMAPI_TELEMETRY_EXPORTER", &c.Telemetry.Exporter)
	envString("RAMAPI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envFloat("RAMAPI_TELEMETRY_SAMPLING_RATE", &c.Telemetry.SamplingRate)
	envString("RAMAPI_TELEMETRY_ENVIRONMENT", &c.Telemetry.Environment)

	envBool("RAMAPI_PROFILING_ENABLED", &c.Profiling.Enabled)
	envInt("RAMAPI_PROFILING_RING_SIZE", &c.Profiling.RingSize)
}

// BindFlags registers command line overrides on fs. Parse fs after Load
// so flags win over file and environment.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "listen address")
	fs.IntVar(&c.Server.Workers, "workers", c.Server.Workers, "handler pool size (0 = per CPU, negative = inline)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Profiling.Enabled, "profiling", c.Profiling.Enabled, "enable request profiling")
	fs.BoolVar(&c.Telemetry.Enabled, "telemetry", c.Telemetry.Enabled, "enable OTLP trace export")
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true, "disabled": true,
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must not be empty")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("config: server.max_connections must be positive")
	}
	if c.Server.ReadBufferSize <= 0 {
		return errors.New("config: server.read_buffer_size must be positive")
	}
	if c.Server.BodyLimit <= 0 {
		return errors.New("config: server.body_limit must be positive")
	}
	if c.Server.IdleTimeout <= 0 {
		return errors.New("config: server.idle_timeout must be positive")
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
		return errors.New("config: auth.secret must be at least 32 bytes")
	}
	if c.Telemetry.Exporter != "grpc" && c.Telemetry.Exporter != "http" {
		return fmt.Errorf("config: unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return errors.New("config: telemetry.sampling_rate must be within [0, 1]")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("config: telemetry.endpoint required when telemetry is enabled")
	}
	if c.Profiling.RingSize < 0 {
		return errors.New("config: profiling.ring_size must not be negative")
	}
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
