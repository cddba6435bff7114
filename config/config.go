package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is read when CONFIG_FILE is not set. A missing file is not an error.
const DefaultConfigFile = "config.yaml"

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// envPrefixes lists the environment variables Load reads. Everything else in the
// process environment is ignored.
var envPrefixes = []string{"OTEL_", "DB_", "LOG_", "DEPLOYMENT_", "SHUTDOWN_"}

var envExact = map[string]bool{"NODE_ENV": true, "PORT": true, "HOST": true}

// envIgnored are standard variables whose nested form would collide with a config section.
var envIgnored = map[string]bool{"OTEL_TRACES_SAMPLER": true}

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. YAML configuration file (CONFIG_FILE, default config.yaml)
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit YAML path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(".", envprovider.Opt{
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// transformEnv converts UPPER_CASE to lower.case and drops variables this service does not own.
func transformEnv(key, value string) (string, any) {
	if !ownsEnv(key) {
		return "", nil
	}
	return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
}

func ownsEnv(key string) bool {
	if envIgnored[key] {
		return false
	}
	if envExact[key] {
		return true
	}
	for _, p := range envPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"otel.service.name":           "todo-service",
		"otel.service.version":        "1.0.0",
		"otel.exporter.otlp.endpoint": "localhost:4317",
		"otel.exporter.otlp.protocol": "grpc",
		"otel.exporter.otlp.insecure": true,
		"otel.traces.sampler.rate":    1.0,
		"otel.flush.timeout":          "5s",
		"otel.logs.enabled":           false,

		"log.level":  "info",
		"log.pretty": false,
		"log.file":   "",

		"db.host":                 "localhost",
		"db.port":                 5432,
		"db.name":                 "tododb",
		"db.user":                 "postgres",
		"db.password":             "",
		"db.sslmode":              "disable",
		"db.pool.max":             20,
		"db.pool.acquire.timeout": "2s",
		"db.pool.idle.timeout":    "30s",

		"host":             "0.0.0.0",
		"port":             3000,
		"shutdown.timeout": "10s",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
