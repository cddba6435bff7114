package metrics

import "errors"

var (
	// ErrRegistryUninitialized is returned when a registry is used before New or after Close.
	ErrRegistryUninitialized = errors.New("metrics registry not initialized")
	// ErrAlreadyRegistered is returned when a metric name is declared twice.
	ErrAlreadyRegistered = errors.New("metric already registered")
	// ErrUnknownMetric is returned when recording against an undeclared metric.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrLabelMismatch is returned when a label set does not match the declared label names.
	ErrLabelMismatch = errors.New("label set does not match metric definition")
	// ErrKindMismatch is returned when an operation is not supported by the metric kind,
	// such as Set on a counter.
	ErrKindMismatch = errors.New("operation not supported for metric kind")
	// ErrNegativeDelta is returned when a counter is asked to decrease.
	ErrNegativeDelta = errors.New("counter cannot decrease")
)
