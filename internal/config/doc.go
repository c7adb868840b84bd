// Package config loads spectred configuration from built-in defaults, an
// optional YAML file and SPECTRE_ prefixed environment variables, in that
// order of precedence, and validates the result before any component starts.
package config
