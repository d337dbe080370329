// Package config handles configuration loading for wabridge.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every field has a default, so an empty file is a valid config.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from WABRIDGE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/wabridge/config.yaml
//  4. ~/.config/wabridge/config.yaml
//
// A path ending in .toml is parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WABRIDGE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dispatch:
//	  send_timeout: "20s"
//	  send_interval: "5s"
//
// # Configuration Sections
//
// Listeners:
//
//	server:
//	  http_addr: ":3001"   # HTTP API and entry page
//	  ws_addr: ":8080"     # real-time notifications
//	  grpc_addr: ""        # optional gRPC health service
//
// Access control:
//
//	access:
//	  allowed: ["192.168.0.0/16", "127.0.0.1", "::1"]
//	  trust_forwarded: true   # use X-Forwarded-For when present
//
// Session:
//
//	session:
//	  credential_dir: "~/.local/share/wabridge/session"
//	  settle_delay: "5s"
//	  logout_retries: 2
//
// Dispatch:
//
//	dispatch:
//	  send_timeout: "20s"
//	  send_interval: "5s"
//	  media_timeout: "30s"
//	  max_media_bytes: 67108864
//	  max_upload_bytes: 104857600
//
// Auto-reply:
//
//	autoreply:
//	  ping: true           # answer "!ping" with "PONG"
//	  reject_calls: true   # reject incoming calls with call_message
//
// Tailscale, logging and metrics follow the same shape as in other 2389
// services.
package config
