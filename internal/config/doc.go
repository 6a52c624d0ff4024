// Package config handles configuration loading for gridhub.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML. Empty fields get
// defaults, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from GRIDHUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/gridhub/hub.yaml
//  3. ~/.config/gridhub/hub.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${GRIDHUB_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pool:
//	  wait_interval: "30s"
//	  new_session_max_wait: "5m"
//	health:
//	  probe_interval: "1m"
//	  session_idle_timeout: "10m"
//
// # Configuration Sections
//
//	server:       grpc_addr, http_addr
//	tailscale:    enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:     path (SQLite event ledger), retention
//	auth:         jwt_secret (empty leaves /api open)
//	pool:         wait_interval, max_wakeups, new_session_max_wait
//	health:       probe_interval, probe_timeout, probe_concurrency, session_idle_timeout
//	logging:      level (debug|info|warn|error), format (text|json)
//	metrics:      enabled, path
//	console:      title
package config
