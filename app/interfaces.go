package app

import (
	"context"
	"os"
	"os/signal"
)

// SignalHandler allows for injectable signal handling for testing
type SignalHandler interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

// osSignalHandler delivers real process signals.
type osSignalHandler struct{}

func (osSignalHandler) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (osSignalHandler) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

// Drainer stops accepting new inbound work and waits for in-flight work within ctx.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// PoolCloser closes a connection pool once its checked-out connections are released.
type PoolCloser interface {
	CloseAll(ctx context.Context) error
}

// Telemetry flushes and stops the tracing pipeline.
type Telemetry interface {
	Shutdown(ctx context.Context) error
}

// MetricsCloser releases the metrics pipeline.
type MetricsCloser interface {
	Close(ctx context.Context) error
}
