// Package config loads foamflask settings from YAML with defaults and
// FOAMFLASK_* environment overrides. Command-line flags are applied on top
// by the CLI.
package config
