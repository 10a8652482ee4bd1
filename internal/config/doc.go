// Package config handles configuration loading for fcp-server.
//
// # Overview
//
// Configuration comes from an optional YAML or TOML file, overlaid with FCP_*
// environment variables. Every key has a default, so the server starts with no
// file at all.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FCP_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fcp/server.yaml
//  3. ~/.config/fcp/server.yaml
//
// Files ending in .toml are parsed as TOML. Anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	ai:
//	  gemini_api_key: "${GEMINI_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
// FCP_TOKEN, FCP_DEMO_MODE, FCP_DB_PATH, FCP_DATABASE_URL, FCP_NATS_URL,
// FCP_RECORDING_TOOLS (comma separated) and friends override the file after
// it is loaded. See envOverrides for the full list.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  mcp_session_ttl: "24h"
//	http:
//	  timeout: "15s"
//	telemetry:
//	  export_interval: "30s"
//
// # Configuration Sections
//
// Authentication:
//
//	auth:
//	  token: "${FCP_TOKEN}"      # bearer token for admin_user_id
//	  jwt_secret: ""             # enables signed per-user tokens
//	  admin_user_id: "admin"
//	  demo_mode: false           # every caller becomes the read-only demo user
//
// Database:
//
//	database:
//	  backend: "sqlite"          # sqlite or postgres
//	  path: "~/.local/share/fcp/fcp.db"
//	  url: ""                    # postgres connection string
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "fcp-server"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.LoadFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
