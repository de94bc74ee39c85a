// Package config loads and validates scheduler configuration from YAML
// files and environment variables.
package config
