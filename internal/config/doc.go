// Package config loads the recorder configuration from a YAML file, a .env
// file and SAM_ prefixed environment variables, and validates the result.
package config
