// ABOUTME: Configuration loading and parsing for toolhub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/toolhub/internal/auth"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "TOOLHUB_CONFIG"

// Config represents the complete toolhub configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Connections ConnectionsConfig `yaml:"connections" toml:"connections"`
	Invocations InvocationsConfig `yaml:"invocations" toml:"invocations"`
	Tools       ToolsConfig       `yaml:"tools" toml:"tools"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the listen address and WebSocket endpoint
type ServerConfig struct {
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	Path            string `yaml:"path" toml:"path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

// Addr returns host:port. Port 0 asks the OS for a free port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig holds handshake authentication configuration
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ConnectionsConfig holds per-connection liveness and flow control settings
type ConnectionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Frames per second per connection; 0 disables rate limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// InvocationsConfig holds router timing configuration
type InvocationsConfig struct {
	Timeout      time.Duration `yaml:"-" toml:"-"`
	ExpiredIDTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	ExpiredIDTTLRaw string `yaml:"expired_id_ttl" toml:"expired_id_ttl"`
}

// ToolsConfig holds catalog behaviour
type ToolsConfig struct {
	// StrictSchema validates arguments against the full JSON Schema of each tool.
	StrictSchema bool `yaml:"strict_schema" toml:"strict_schema"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`

	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
}

// DatabaseConfig holds the optional invocation history database
type DatabaseConfig struct {
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"-" toml:"-"`

	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
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

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Path:            "/ws",
			MaxMessageBytes: 1 << 20,
		},
		Connections: ConnectionsConfig{
			RateBurst:            100,
			HeartbeatIntervalRaw: "30s",
			WriteTimeoutRaw:      "10s",
		},
		Invocations: InvocationsConfig{
			TimeoutRaw:      "30s",
			ExpiredIDTTLRaw: "10m",
		},
		Agents: AgentsConfig{
			ReconnectGracePeriodRaw: "1m",
		},
		Tailscale: TailscaleConfig{
			Hostname: "toolhub",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	// Defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

// Parse decodes configuration bytes in the given format ("yaml" or "toml"),
// applies defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		md, err := toml.Decode(expanded, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ResolvePath returns the path to the hub config file.
// Priority: TOOLHUB_CONFIG env var > XDG_CONFIG_HOME/toolhub/hub.yaml > ~/.config/toolhub/hub.yaml
func ResolvePath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
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

	return filepath.Join(configDir, "toolhub", "hub.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/'")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("server.max_message_bytes must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes when auth is enabled", auth.MinSecretLength)
	}

	if c.Connections.HeartbeatInterval <= 0 {
		return fmt.Errorf("connections.heartbeat_interval must be positive")
	}
	if c.Connections.WriteTimeout <= 0 {
		return fmt.Errorf("connections.write_timeout must be positive")
	}
	if c.Connections.RateLimit < 0 {
		return fmt.Errorf("connections.rate_limit must not be negative")
	}
	if c.Connections.RateLimit > 0 && c.Connections.RateBurst < 1 {
		return fmt.Errorf("connections.rate_burst must be at least 1 when rate_limit is set")
	}

	if c.Invocations.Timeout <= 0 {
		return fmt.Errorf("invocations.timeout must be positive")
	}
	if c.Invocations.ExpiredIDTTL <= 0 {
		return fmt.Errorf("invocations.expired_id_ttl must be positive")
	}

	if c.Agents.ReconnectGracePeriod < 0 {
		return fmt.Errorf("agents.reconnect_grace_period must not be negative")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/'")
		}
		if c.Metrics.Path == c.Server.Path {
			return fmt.Errorf("metrics.path must differ from server.path")
		}
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
		{"connections.heartbeat_interval", cfg.Connections.HeartbeatIntervalRaw, &cfg.Connections.HeartbeatInterval},
		{"connections.write_timeout", cfg.Connections.WriteTimeoutRaw, &cfg.Connections.WriteTimeout},
		{"invocations.timeout", cfg.Invocations.TimeoutRaw, &cfg.Invocations.Timeout},
		{"invocations.expired_id_ttl", cfg.Invocations.ExpiredIDTTLRaw, &cfg.Invocations.ExpiredIDTTL},
		{"agents.reconnect_grace_period", cfg.Agents.ReconnectGracePeriodRaw, &cfg.Agents.ReconnectGracePeriod},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
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
