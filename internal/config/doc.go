// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Files ending in .toml are read as TOML; anything else is read as YAML.
// Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	whatsapp:
//	  token: "${WHATSAPP_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	routing:
//	  human_timeout: "60m"
//	  sweep_interval: "1m"
//
// A sweep_interval of "0s" disables the background sweep; stale human
// conversations are then demoted only when their user writes again.
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":8080"            # webhook, health, metrics and admin API
//
//	database:
//	  path: "./relay.db"            # required
//	  cache_size: 1024              # negative disables the in-memory cache
//
//	whatsapp:
//	  token: "${WHATSAPP_TOKEN}"    # required
//	  phone_number_id: "123456789"  # required
//	  number_format: "international" # or "ar_local"
//
//	telegram:
//	  bot_token: "${TELEGRAM_BOT_TOKEN}" # required
//	  group_id: -1001234567890      # required, the operators' forum group
//	  poll_timeout: "30s"
//
//	routing:
//	  human_timeout: "60m"
//	  fallback_message: "..."
//	  escalate_on_no_answer: false
//	  notify_on_demotion: true
//	  welcome_message: "Hola {name}!"
//
//	knowledge:
//	  path: "./knowledge.yaml"
//
//	dedupe:
//	  backend: "memory"             # or "redis"
//	  ttl: "24h"
//	  max_size: 10000
//	  redis_url: "redis://localhost:6379/0"
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}" # empty disables the admin API
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # or "json"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
