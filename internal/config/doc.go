// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Unset values fall back to defaults, then Validate runs.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// A file whose name ends in .toml is parsed as TOML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  grpc_addr: "127.0.0.1:8091"   # optional gRPC health endpoint
//
//	database:
//	  path: "~/.local/share/coven/relay.db"
//	  secret_key: "${COVEN_RELAY_SECRET_KEY}"   # seals agent secrets
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"   # >= 32 bytes; enables reply auth
//
//	upstream:
//	  base_url: "https://directline.botframework.com/v3/directline"
//	  parent_id: "parentBot"
//	  request_timeout: "15s"
//	  rate_limit: 20      # requests/second; negative disables
//	  rate_burst: 40
//
//	tokens:
//	  lease: "25m"
//	  safety_margin: "1m"
//
//	polling:
//	  initial_interval: "250ms"
//	  max_interval: "2s"
//	  default_wait: "30s"
//	  max_wait: "2m"
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text, json
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax and must be positive.
package config
