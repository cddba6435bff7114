package config

import (
	"fmt"
	"strings"
)

// ConfigError describes one invalid configuration field with the variable that sets it.
//
//nolint:revive // ConfigError is intentionally named for clarity in external API usage
type ConfigError struct {
	Field   string // config path, e.g. "db.pool.max"
	EnvVar  string // environment variable, e.g. "DB_POOL_MAX"
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config_invalid: %s %s (set %s)", e.Field, e.Message, e.EnvVar)
}

// ValidationErrors collects every invalid field found by Validate.
type ValidationErrors []*ConfigError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// envVarFor maps a dotted config path back to its environment variable.
func envVarFor(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}
