// Package config loads the daemon configuration from JSON, YAML or TOML
// files, fills in defaults and can watch the file for changes.
package config
