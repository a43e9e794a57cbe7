// Package config handles configuration loading for convo-studio.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Defaults are applied before validation, so
// an empty file is a valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONVO_STUDIO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/convo-studio/config.yaml
//  3. ~/.config/convo-studio/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  api_key: "${OPENROUTER_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8787"      # local proxy
//
//	upstream:
//	  base_url: "https://openrouter.ai/api/v1"
//	  api_key: "${OPENROUTER_API_KEY}" # shared server-side credential
//	  default_model: "openai/gpt-4o-mini"
//	  models: []
//	  rate_limit: 2                    # requests/second on /api/generate
//	  rate_burst: 4
//
//	client:
//	  server_url: ""                   # defaults to http://<server.http_addr>
//
//	storage:
//	  path: "~/.local/share/convo-studio/studio.db"
//	  blob_dir: ""                     # defaults to <dir of path>/blobs
//	  debounce: "300ms"
//
//	tailscale:
//	  enabled: false
//	  hostname: "convo-studio"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// CONVO_STUDIO_DB_PATH overrides storage.path.
package config
