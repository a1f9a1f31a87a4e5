// Package config handles configuration loading for relay-gateway.
//
// # Configuration File
//
// Location, in order:
//
//  1. --config flag
//  2. RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/relay-gateway/config.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both use
// the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, expanded before decoding:
//
//	auth:
//	  api_key: "${RELAY_API_KEY}"
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	engine:
//	  send_timeout: "30s"
//	sessions:
//	  replace_timeout: "5s"
//	activity:
//	  flush_interval: "2s"
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "~/.local/share/relay-gateway/relay.db"
//
//	auth:
//	  web_password_hash: "$2a$10$..."   # relay-gateway hash-password
//	  api_key: "${RELAY_API_KEY}"
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
//	engine:
//	  command: "claude"
//	  model: "sonnet"
//	  permission_mode: "acceptEdits"
//	  working_dir: "/home/me/agent"
//
//	sessions:
//	  default_name: "default"
//	  cleanup_schedule: "@every 5m"
//	  history_limit: 50
//
//	matrix:
//	  enabled: true
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@relay:example.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  allowed_users: ["@me:example.org"]
//	  monitor_room: "!abc:example.org"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// With no web password and no API key configured, the HTTP surface is
// unauthenticated; the gateway logs a warning at startup.
package config
