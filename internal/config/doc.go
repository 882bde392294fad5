// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Optional sections (recorder, redis, status) are only validated when enabled.
package config
