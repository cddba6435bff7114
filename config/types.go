package config

import "time"

// Config is the process configuration. Keys mirror the environment variable names with
// underscores read as nesting, so OTEL_SERVICE_NAME maps to otel.service.name.
type Config struct {
	OTel       OTelConfig       `koanf:"otel" yaml:"otel"`
	Deployment DeploymentConfig `koanf:"deployment" yaml:"deployment"`
	Node       NodeConfig       `koanf:"node" yaml:"node"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	DB         DatabaseConfig   `koanf:"db" yaml:"db"`
	Host       string           `koanf:"host" yaml:"host" validate:"required"`
	Port       int              `koanf:"port" yaml:"port" validate:"min=1,max=65535"`
	Shutdown   ShutdownConfig   `koanf:"shutdown" yaml:"shutdown"`
}

// OTelConfig groups the telemetry pipeline settings.
type OTelConfig struct {
	Service  ServiceConfig  `koanf:"service" yaml:"service"`
	Exporter ExporterConfig `koanf:"exporter" yaml:"exporter"`
	Traces   TracesConfig   `koanf:"traces" yaml:"traces"`
	Flush    FlushConfig    `koanf:"flush" yaml:"flush"`
	Logs     LogsConfig     `koanf:"logs" yaml:"logs"`
}

type ServiceConfig struct {
	Name    string `koanf:"name" yaml:"name" validate:"required"`
	Version string `koanf:"version" yaml:"version" validate:"required"`
}

type ExporterConfig struct {
	OTLP OTLPConfig `koanf:"otlp" yaml:"otlp"`
}

// OTLPConfig describes the collector endpoint. Endpoint "stdout" prints spans locally;
// an empty endpoint disables export.
//
// Telemetry values are checked when the pipeline starts, not here, so a bad value only
// disables export instead of stopping the process.
type OTLPConfig struct {
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`
	// Protocol is grpc, http, http/protobuf or http/json.
	Protocol string `koanf:"protocol" yaml:"protocol"`
	Insecure bool   `koanf:"insecure" yaml:"insecure"`
}

type TracesConfig struct {
	Sampler SamplerConfig `koanf:"sampler" yaml:"sampler"`
}

type SamplerConfig struct {
	// Rate is the trace-id ratio sampled, between 0 and 1.
	Rate float64 `koanf:"rate" yaml:"rate"`
}

type FlushConfig struct {
	// Timeout bounds the span flush on shutdown. Zero or negative uses the default.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type LogsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type DeploymentConfig struct {
	Environment string `koanf:"environment" yaml:"environment"`
}

// NodeConfig holds NODE_ENV, accepted as a fallback for DEPLOYMENT_ENVIRONMENT.
type NodeConfig struct {
	Env string `koanf:"env" yaml:"env"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `koanf:"pretty" yaml:"pretty"`
	File   string `koanf:"file" yaml:"file"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	Host     string     `koanf:"host" yaml:"host" validate:"required"`
	Port     int        `koanf:"port" yaml:"port" validate:"min=1,max=65535"`
	Name     string     `koanf:"name" yaml:"name" validate:"required"`
	User     string     `koanf:"user" yaml:"user" validate:"required"`
	Password string     `koanf:"password" yaml:"password"`
	SSLMode  string     `koanf:"sslmode" yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Pool     PoolConfig `koanf:"pool" yaml:"pool"`
}

type PoolConfig struct {
	Max     int32         `koanf:"max" yaml:"max" validate:"min=1"`
	Acquire AcquireConfig `koanf:"acquire" yaml:"acquire"`
	Idle    IdleConfig    `koanf:"idle" yaml:"idle"`
}

type AcquireConfig struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
}

type IdleConfig struct {
	// Timeout is how long a connection may sit idle before it is closed. Zero disables reaping.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" validate:"gte=0"`
}

type ShutdownConfig struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
}

// Environment returns the deployment environment, falling back to NODE_ENV and then development.
func (c *Config) Environment() string {
	switch {
	case c.Deployment.Environment != "":
		return c.Deployment.Environment
	case c.Node.Env != "":
		return c.Node.Env
	default:
		return EnvDevelopment
	}
}

// Address is the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return joinHostPort(c.Host, c.Port)
}
