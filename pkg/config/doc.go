// Package config loads and validates the shared TOML configuration file of
// the CC-Server processes.
package config
