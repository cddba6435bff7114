package observability

import "errors"

// ErrNilConfig is returned when Validate is called on a nil Config pointer.
var ErrNilConfig = errors.New("observability: config is nil")

// ErrMissingServiceName is returned when no service name is configured.
var ErrMissingServiceName = errors.New("observability: service name is required")

// ErrInvalidSampleRate is returned when the trace sample rate is outside the valid range [0.0, 1.0].
var ErrInvalidSampleRate = errors.New("observability: trace sample rate must be between 0.0 and 1.0")

// ErrInvalidProtocol is returned when the export protocol is not "http" or "grpc".
var ErrInvalidProtocol = errors.New("observability: protocol must be either 'http' or 'grpc'")

// ErrLifecycleStopped is returned by Start once the lifecycle has been shut down.
var ErrLifecycleStopped = errors.New("observability: telemetry lifecycle already stopped")

// ErrFlushTimeout is returned by Shutdown when buffered telemetry could not be exported in time.
var ErrFlushTimeout = errors.New("observability: telemetry flush timeout exceeded")
