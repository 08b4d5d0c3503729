// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A Watcher reloads the file on change so the sync target and transport mode can be
// adjusted without a restart.
package config
