// Package config handles configuration loading for toolhub.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends in
// .toml, with environment variable expansion. Every field has a default, so an
// empty file is a valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLHUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolhub/hub.yaml
//  3. ~/.config/toolhub/hub.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TOOLHUB_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	connections:
//	  heartbeat_interval: "30s"
//	invocations:
//	  timeout: "30s"
//	  expired_id_ttl: "10m"
//	agents:
//	  reconnect_grace_period: "1m"
//
// # Validation
//
// Load validates, among other things:
//
//   - JWT secret minimum length (32 bytes) when auth is enabled
//   - positive timeouts and heartbeat interval
//   - logging level and format values
//   - tailscale.hostname when tailscale is enabled
//
// # Usage
//
//	cfg, err := config.Load(config.ResolvePath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
