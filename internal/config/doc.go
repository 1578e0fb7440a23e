// Package config loads iotguard configuration from YAML with environment
// variable overrides.
//
// Precedence, lowest first: built-in defaults, the YAML file, IOTGUARD_*
// environment variables, command-line flags (applied by the caller).
package config
