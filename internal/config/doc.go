// Package config handles configuration loading for cdx-agent.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CDX_AGENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/cdx-agent/agent.yaml
//  3. ~/.config/cdx-agent/agent.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agent:
//	  secret: "${CDX_AGENT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Overrides
//
// After decoding, these variables replace the file values when set:
//
//	CDX_AGENT_SECRET
//	CDX_AGENT_TIMESTAMP_TOLERANCE
//	CDX_AGENT_LOG_FAILED_ATTEMPTS
//	CDX_AGENT_ROUTE_PREFIX
//	CDX_AGENT_RATE_LIMIT
//
// # Duration Parsing
//
// commands.timeout and update.timeout use Go's time.ParseDuration syntax.
// agent.timestamp_tolerance is an integer number of seconds.
//
// # Validation
//
// An empty agent.secret is valid; the gate then answers every request with
// 500 "Agent not configured".
package config
