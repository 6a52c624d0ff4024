// ABOUTME: Configuration loading and parsing for gridhub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that failed validation.
var ErrInvalid = errors.New("invalid config")

// Defaults applied to fields left empty.
const (
	DefaultGRPCAddr          = "0.0.0.0:50051"
	DefaultHTTPAddr          = "0.0.0.0:4444"
	DefaultWaitInterval      = 30 * time.Second
	DefaultMaxWakeups        = 2
	DefaultProbeInterval     = time.Minute
	DefaultProbeTimeout      = 5 * time.Second
	DefaultProbeConcurrency  = 8
	DefaultSessionIdle       = 10 * time.Minute
	DefaultMetricsPath       = "/metrics"
	DefaultConsoleTitle      = "gridhub"
	DefaultTailscaleStateDir = "tsnet-state"
)

// Config represents the complete gridhub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Pool      PoolConfig      `yaml:"pool" toml:"pool"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Console   ConsoleConfig   `yaml:"console" toml:"console"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds the event ledger location and retention.
// A zero Retention keeps events forever.
type DatabaseConfig struct {
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"-" toml:"-"`

	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// AuthConfig holds API authentication configuration.
// An empty JWTSecret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// PoolConfig tunes agent reservation
type PoolConfig struct {
	WaitInterval      time.Duration `yaml:"-" toml:"-"`
	MaxWakeups        int           `yaml:"max_wakeups" toml:"max_wakeups"`
	NewSessionMaxWait time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WaitIntervalRaw      string `yaml:"wait_interval" toml:"wait_interval"`
	NewSessionMaxWaitRaw string `yaml:"new_session_max_wait" toml:"new_session_max_wait"`
}

// HealthConfig drives the liveness and idle session sweeps
type HealthConfig struct {
	ProbeInterval      time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout       time.Duration `yaml:"-" toml:"-"`
	ProbeConcurrency   int           `yaml:"probe_concurrency" toml:"probe_concurrency"`
	SessionIdleTimeout time.Duration `yaml:"-" toml:"-"`

	ProbeIntervalRaw      string `yaml:"probe_interval" toml:"probe_interval"`
	ProbeTimeoutRaw       string `yaml:"probe_timeout" toml:"probe_timeout"`
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout" toml:"session_idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ConsoleConfig holds settings for the HTML status page
type ConsoleConfig struct {
	Title string `yaml:"title" toml:"title"`
}

// DefaultPath returns the path to the hub config file.
// Priority: GRIDHUB_CONFIG env var > XDG_CONFIG_HOME/gridhub/hub.yaml > ~/.config/gridhub/hub.yaml
func DefaultPath() string {
	if envPath := os.Getenv("GRIDHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "gridhub", "hub.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes raw config data in the given format ("yaml" or "toml"),
// then applies defaults and validates.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = DefaultTailscaleStateDir
	}
	if c.Tailscale.Funnel {
		c.Tailscale.HTTPS = true
	}

	if c.Pool.WaitInterval == 0 {
		c.Pool.WaitInterval = DefaultWaitInterval
	}
	if c.Pool.MaxWakeups == 0 {
		c.Pool.MaxWakeups = DefaultMaxWakeups
	}

	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = DefaultProbeInterval
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Health.ProbeConcurrency == 0 {
		c.Health.ProbeConcurrency = DefaultProbeConcurrency
	}
	if c.Health.SessionIdleTimeout == 0 {
		c.Health.SessionIdleTimeout = DefaultSessionIdle
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Console.Title == "" {
		c.Console.Title = DefaultConsoleTitle
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("%w: server.grpc_addr is required (or enable tailscale)", ErrInvalid)
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("%w: server.http_addr is required (or enable tailscale)", ErrInvalid)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("%w: tailscale.hostname is required when tailscale is enabled", ErrInvalid)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalid)
	}

	if c.Database.Retention < 0 {
		return fmt.Errorf("%w: database.retention must not be negative", ErrInvalid)
	}
	if c.Pool.WaitInterval < 0 {
		return fmt.Errorf("%w: pool.wait_interval must be positive", ErrInvalid)
	}
	if c.Pool.MaxWakeups < 0 {
		return fmt.Errorf("%w: pool.max_wakeups must not be negative", ErrInvalid)
	}
	if c.Pool.NewSessionMaxWait < 0 {
		return fmt.Errorf("%w: pool.new_session_max_wait must not be negative", ErrInvalid)
	}
	if c.Health.ProbeInterval < 0 || c.Health.ProbeTimeout < 0 || c.Health.SessionIdleTimeout < 0 {
		return fmt.Errorf("%w: health durations must not be negative", ErrInvalid)
	}
	if c.Health.ProbeConcurrency < 0 {
		return fmt.Errorf("%w: health.probe_concurrency must not be negative", ErrInvalid)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q is not one of debug, info, warn, error", ErrInvalid, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not text or json", ErrInvalid, c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalid)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"pool.wait_interval", cfg.Pool.WaitIntervalRaw, &cfg.Pool.WaitInterval},
		{"pool.new_session_max_wait", cfg.Pool.NewSessionMaxWaitRaw, &cfg.Pool.NewSessionMaxWait},
		{"health.probe_interval", cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval},
		{"health.probe_timeout", cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout},
		{"health.session_idle_timeout", cfg.Health.SessionIdleTimeoutRaw, &cfg.Health.SessionIdleTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Template returns a starter YAML config for gridhub init.
func Template(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# gridhub configuration
server:
  grpc_addr: %q
  http_addr: %q

database:
  path: %q
  retention: "720h"

auth:
  jwt_secret: %q

pool:
  wait_interval: "30s"
  max_wakeups: 2
  # new_session_max_wait: "5m"

health:
  probe_interval: "1m"
  probe_timeout: "5s"
  probe_concurrency: 8
  session_idle_timeout: "10m"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

console:
  title: "gridhub"
`, DefaultGRPCAddr, DefaultHTTPAddr, dbPath, jwtSecret)
}
