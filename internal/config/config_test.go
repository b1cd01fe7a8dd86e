// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, "hub.yaml", `
server:
  host: "127.0.0.1"
  port: 9090
  path: "/rpc"
  max_message_bytes: 65536

auth:
  enabled: true
  jwt_secret: "`+validSecret+`"

connections:
  heartbeat_interval: "15s"
  write_timeout: "5s"
  rate_limit: 20
  rate_burst: 40

invocations:
  timeout: "45s"
  expired_id_ttl: "2m"

tools:
  strict_schema: true

agents:
  reconnect_grace_period: "90s"

database:
  path: "/tmp/history.db"
  retention: "168h"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "127.0.0.1:9090")
	}
	if cfg.Server.Path != "/rpc" {
		t.Errorf("Server.Path = %q, want %q", cfg.Server.Path, "/rpc")
	}
	if cfg.Server.MaxMessageBytes != 65536 {
		t.Errorf("Server.MaxMessageBytes = %d, want 65536", cfg.Server.MaxMessageBytes)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != validSecret {
		t.Errorf("Auth = %+v, want enabled with secret", cfg.Auth)
	}
	if cfg.Connections.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Connections.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.Connections.WriteTimeout)
	}
	if cfg.Connections.RateLimit != 20 || cfg.Connections.RateBurst != 40 {
		t.Errorf("rate = %v/%d, want 20/40", cfg.Connections.RateLimit, cfg.Connections.RateBurst)
	}
	if cfg.Invocations.Timeout != 45*time.Second {
		t.Errorf("Invocations.Timeout = %v, want 45s", cfg.Invocations.Timeout)
	}
	if cfg.Invocations.ExpiredIDTTL != 2*time.Minute {
		t.Errorf("ExpiredIDTTL = %v, want 2m", cfg.Invocations.ExpiredIDTTL)
	}
	if !cfg.Tools.StrictSchema {
		t.Error("Tools.StrictSchema = false, want true")
	}
	if cfg.Agents.ReconnectGracePeriod != 90*time.Second {
		t.Errorf("ReconnectGracePeriod = %v, want 90s", cfg.Agents.ReconnectGracePeriod)
	}
	if cfg.Database.Path != "/tmp/history.db" || cfg.Database.Retention != 168*time.Hour {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/prom")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "hub.yaml", ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Server.Addr() = %q, want 0.0.0.0:8080", cfg.Server.Addr())
	}
	if cfg.Server.Path != "/ws" {
		t.Errorf("Server.Path = %q, want /ws", cfg.Server.Path)
	}
	if cfg.Server.MaxMessageBytes != 1<<20 {
		t.Errorf("MaxMessageBytes = %d, want 1MiB", cfg.Server.MaxMessageBytes)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled should default to false")
	}
	if cfg.Connections.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Connections.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.Connections.WriteTimeout)
	}
	if cfg.Connections.RateLimit != 0 {
		t.Errorf("RateLimit = %v, want 0", cfg.Connections.RateLimit)
	}
	if cfg.Invocations.Timeout != 30*time.Second {
		t.Errorf("Invocations.Timeout = %v, want 30s", cfg.Invocations.Timeout)
	}
	if cfg.Invocations.ExpiredIDTTL != 10*time.Minute {
		t.Errorf("ExpiredIDTTL = %v, want 10m", cfg.Invocations.ExpiredIDTTL)
	}
	if cfg.Agents.ReconnectGracePeriod != time.Minute {
		t.Errorf("ReconnectGracePeriod = %v, want 1m", cfg.Agents.ReconnectGracePeriod)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty", cfg.Database.Path)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "hub.toml", `
[server]
port = 7000
path = "/hub"

[auth]
enabled = true
jwt_secret = "`+validSecret+`"

[connections]
heartbeat_interval = "5s"
rate_limit = 10.0
rate_burst = 5

[invocations]
timeout = "3s"

[tailscale]
enabled = true
hostname = "hub-test"
ephemeral = true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7000 || cfg.Server.Path != "/hub" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Connections.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Connections.RateLimit != 10 || cfg.Connections.RateBurst != 5 {
		t.Errorf("rate = %v/%d, want 10/5", cfg.Connections.RateLimit, cfg.Connections.RateBurst)
	}
	if cfg.Invocations.Timeout != 3*time.Second {
		t.Errorf("Invocations.Timeout = %v, want 3s", cfg.Invocations.Timeout)
	}
	if !cfg.Tailscale.Enabled || cfg.Tailscale.Hostname != "hub-test" || !cfg.Tailscale.Ephemeral {
		t.Errorf("Tailscale = %+v", cfg.Tailscale)
	}
	// Untouched sections keep defaults.
	if cfg.Invocations.ExpiredIDTTL != 10*time.Minute {
		t.Errorf("ExpiredIDTTL = %v, want default 10m", cfg.Invocations.ExpiredIDTTL)
	}
}

func TestLoad_TOMLUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "hub.toml", "[server]\nprot = 80\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "prot") {
		t.Errorf("error = %v, want mention of the unknown key", err)
	}
}

func TestLoad_YAMLUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "hub.yaml", "server:\n  prot: 80\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TOOLHUB_SECRET", validSecret)
	t.Setenv("TEST_TOOLHUB_DB", "/var/lib/toolhub/history.db")

	cfg, err := Load(writeConfig(t, "hub.yaml", `
auth:
  enabled: true
  jwt_secret: "${TEST_TOOLHUB_SECRET}"
database:
  path: "${TEST_TOOLHUB_DB}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != validSecret {
		t.Errorf("JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/var/lib/toolhub/history.db" {
		t.Errorf("Database.Path = %q, want expanded value", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarExpandsToEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "hub.yaml", `
database:
  path: "${TOOLHUB_SURELY_UNSET_VARIABLE}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty", cfg.Database.Path)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "hub.yaml", `
invocations:
  timeout: "soon"
`))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invocations.timeout") {
		t.Errorf("error = %v, want field name in message", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "hub.yaml", "server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse([]byte("{}"), "ini"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }, "server.path"},
		{"zero message size", func(c *Config) { c.Server.MaxMessageBytes = 0 }, "max_message_bytes"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "jwt_secret"},
		{"auth with short secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = "short"
		}, "jwt_secret"},
		{"short secret ignored when auth disabled", func(c *Config) { c.Auth.JWTSecret = "short" }, ""},
		{"zero heartbeat", func(c *Config) { c.Connections.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"zero write timeout", func(c *Config) { c.Connections.WriteTimeout = 0 }, "write_timeout"},
		{"negative rate", func(c *Config) { c.Connections.RateLimit = -1 }, "rate_limit"},
		{"rate without burst", func(c *Config) {
			c.Connections.RateLimit = 5
			c.Connections.RateBurst = 0
		}, "rate_burst"},
		{"zero invocation timeout", func(c *Config) { c.Invocations.Timeout = 0 }, "invocations.timeout"},
		{"zero expired ttl", func(c *Config) { c.Invocations.ExpiredIDTTL = 0 }, "expired_id_ttl"},
		{"negative grace", func(c *Config) { c.Agents.ReconnectGracePeriod = -time.Second }, "reconnect_grace_period"},
		{"zero grace allowed", func(c *Config) { c.Agents.ReconnectGracePeriod = 0 }, ""},
		{"negative retention", func(c *Config) { c.Database.Retention = -time.Hour }, "retention"},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics path relative", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"metrics path collides", func(c *Config) { c.Metrics.Path = "/ws" }, "metrics.path"},
		{"metrics disabled ignores path", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Path = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/etc/toolhub/custom.toml")
		if got := ResolvePath(); got != "/etc/toolhub/custom.toml" {
			t.Errorf("ResolvePath() = %q", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "toolhub", "hub.yaml")
		if got := ResolvePath(); got != want {
			t.Errorf("ResolvePath() = %q, want %q", got, want)
		}
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/tester")
		want := filepath.Join("/home/tester", ".config", "toolhub", "hub.yaml")
		if got := ResolvePath(); got != want {
			t.Errorf("ResolvePath() = %q, want %q", got, want)
		}
	})
}
