// Package config handles loading and parsing of configuration from YAML
// files and environment variables. It defines the proxy configuration
// structure including listener addresses, protocol detection behavior,
// backend registrations, circuit breaking thresholds and per-destination
// client policies.
package config
