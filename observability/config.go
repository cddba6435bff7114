package observability

import (
	"strings"
	"time"

	"github.com/gaborage/todo-telemetry/config"
)

const (
	// EndpointStdout prints spans and log records to stdout instead of exporting them.
	EndpointStdout = "stdout"

	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"

	DefaultServiceName  = "todo-service"
	DefaultFlushTimeout = 5 * time.Second
	DefaultBatchTimeout = time.Second
	DefaultSampleRate   = 1.0
)

// Config describes the tracing pipeline owned by a Lifecycle.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the collector address (host:port), EndpointStdout, or empty to disable export.
	// Spans are still created without an exporter so log entries keep their trace ids.
	Endpoint string
	Protocol string
	Insecure bool

	// SampleRate is the trace-id ratio sampled. Nil means DefaultSampleRate; zero samples nothing.
	SampleRate *float64
	// FlushTimeout bounds the export of buffered spans during Shutdown.
	FlushTimeout time.Duration
	BatchTimeout time.Duration

	// LogsEnabled installs a global OpenTelemetry logger provider exporting to the same endpoint.
	LogsEnabled bool
}

// ConfigFrom maps process configuration onto the telemetry pipeline.
func ConfigFrom(cfg *config.Config) Config {
	rate := cfg.OTel.Traces.Sampler.Rate
	return Config{
		ServiceName:    cfg.OTel.Service.Name,
		ServiceVersion: cfg.OTel.Service.Version,
		Environment:    cfg.Environment(),
		Endpoint:       cfg.OTel.Exporter.OTLP.Endpoint,
		Protocol:       cfg.OTel.Exporter.OTLP.Protocol,
		Insecure:       cfg.OTel.Exporter.OTLP.Insecure,
		SampleRate:     &rate,
		FlushTimeout:   cfg.OTel.Flush.Timeout,
		LogsEnabled:    cfg.OTel.Logs.Enabled,
	}
}

// ApplyDefaults fills zero values. It does not touch an explicitly configured zero sample rate.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Environment == "" {
		c.Environment = config.EnvDevelopment
	}
	c.Protocol = normalizeProtocol(c.Protocol)
	if c.SampleRate == nil {
		rate := DefaultSampleRate
		c.SampleRate = &rate
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
}

// normalizeProtocol maps the OTEL_EXPORTER_OTLP_PROTOCOL values onto the supported transports.
// Unknown values are returned unchanged for Validate to reject.
func normalizeProtocol(protocol string) string {
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "":
		return ProtocolGRPC
	case ProtocolHTTP, "http/protobuf", "http/json":
		return ProtocolHTTP
	case ProtocolGRPC:
		return ProtocolGRPC
	default:
		return protocol
	}
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SampleRate != nil && (*c.SampleRate < 0 || *c.SampleRate > 1) {
		return ErrInvalidSampleRate
	}
	if c.Endpoint != "" && c.Endpoint != EndpointStdout {
		if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
			return ErrInvalidProtocol
		}
	}
	return nil
}

// exportEnabled reports whether spans leave the process.
func (c *Config) exportEnabled() bool {
	return c.Endpoint != ""
}

// stripScheme removes an http:// or https:// prefix. OTLP exporters take host:port and pick
// the scheme from the insecure option.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return strings.TrimSuffix(strings.TrimPrefix(endpoint, prefix), "/")
		}
	}
	return endpoint
}
