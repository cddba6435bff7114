// Package observability owns the process tracing pipeline: resource identity, span export,
// optional OpenTelemetry log export and the instrumentation hooks that feed them.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gaborage/todo-telemetry/logger"
)

// State is the position of a Lifecycle in its one-way state machine.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// startHook lets tests hold Start open after the exporters are built.
var startHook func(ctx context.Context) error

// Option customizes a Lifecycle.
type Option func(*Lifecycle)

// WithSpanExporter replaces the endpoint-derived span exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(l *Lifecycle) { l.spanExporter = exp }
}

// WithLogExporter replaces the endpoint-derived log exporter and enables log export.
func WithLogExporter(exp sdklog.Exporter) Option {
	return func(l *Lifecycle) { l.logExporter = exp }
}

// WithStdout redirects the stdout exporters.
func WithStdout(w io.Writer) Option {
	return func(l *Lifecycle) { l.stdout = w }
}

// WithoutGlobals keeps the providers out of the otel global registry.
func WithoutGlobals() Option {
	return func(l *Lifecycle) { l.setGlobals = false }
}

// Lifecycle starts and stops the tracing pipeline exactly once.
//
// Start and Shutdown serialize on one mutex, so a Shutdown issued while Start is still running
// waits for it and then flushes what it built. Shutdown is memoized: every caller gets the first
// result and exporters are flushed at most once.
type Lifecycle struct {
	cfg    Config
	log    logger.Logger
	stdout io.Writer

	spanExporter sdktrace.SpanExporter
	logExporter  sdklog.Exporter
	setGlobals   bool
	propagator   propagation.TextMapPropagator

	mu             sync.Mutex
	state          atomic.Int32
	tracerProvider atomic.Pointer[sdktrace.TracerProvider]
	loggerProvider *sdklog.LoggerProvider

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Lifecycle in StateUninitialized. Nothing is exported until Start.
func New(cfg Config, log logger.Logger, opts ...Option) *Lifecycle {
	cfg.ApplyDefaults()

	l := &Lifecycle{
		cfg:        cfg,
		log:        log,
		stdout:     os.Stdout,
		setGlobals: true,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state without waiting for an in-progress Start.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Config returns the defaulted configuration.
func (l *Lifecycle) Config() Config {
	return l.cfg
}

// Start builds the resource, exporters, batch processor and sampler and installs them.
// Calling Start while running is a no-op; after Shutdown it returns ErrLifecycleStopped.
// On failure the lifecycle returns to StateUninitialized and the caller may continue untraced.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateRunning:
		return nil
	case StateShuttingDown, StateStopped:
		return ErrLifecycleStopped
	}

	l.state.Store(int32(StateStarting))
	if err := l.start(ctx); err != nil {
		l.state.Store(int32(StateUninitialized))
		l.log.Warn().Err(err).Msg("Failed to start telemetry, continuing without tracing")
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	l.state.Store(int32(StateRunning))

	endpoint := l.cfg.Endpoint
	if endpoint == "" {
		endpoint = "disabled"
	}
	l.log.Info().
		Str("service_name", l.cfg.ServiceName).
		Str("service_version", l.cfg.ServiceVersion).
		Str("environment", l.cfg.Environment).
		Str("endpoint", endpoint).
		Str("protocol", l.cfg.Protocol).
		Bool("logs_enabled", l.loggerProvider != nil).
		Msg("Telemetry started")
	return nil
}

func (l *Lifecycle) start(ctx context.Context) error {
	if err := l.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := createResource(&l.cfg)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	spanExporter := l.spanExporter
	if spanExporter == nil && l.cfg.exportEnabled() {
		if spanExporter, err = createTraceExporter(ctx, &l.cfg, l.stdout); err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	logExporter := l.logExporter
	if logExporter == nil && l.cfg.LogsEnabled && l.cfg.exportEnabled() {
		if logExporter, err = createLogExporter(ctx, &l.cfg, l.stdout); err != nil {
			shutdownExporter(spanExporter)
			return fmt.Errorf("failed to create log exporter: %w", err)
		}
	}

	if startHook != nil {
		if err := startHook(ctx); err != nil {
			shutdownExporter(spanExporter)
			return err
		}
	}

	tp := l.newTracerProvider(res, spanExporter)
	l.tracerProvider.Store(tp)

	if logExporter != nil {
		l.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(
				logExporter,
				sdklog.WithExportInterval(l.cfg.BatchTimeout),
			)),
		)
	}

	if l.setGlobals {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(l.propagator)
		if l.loggerProvider != nil {
			global.SetLoggerProvider(l.loggerProvider)
		}
	}
	return nil
}

// newTracerProvider always samples locally so log entries carry trace ids; spans only leave
// the process when an exporter is configured.
func (l *Lifecycle) newTracerProvider(res *resource.Resource, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*l.cfg.SampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(
			sdktrace.NewBatchSpanProcessor(exporter, sdktrace.WithBatchTimeout(l.cfg.BatchTimeout)),
		))
	}
	return sdktrace.NewTracerProvider(opts...)
}

func shutdownExporter(exp sdktrace.SpanExporter) {
	if exp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultFlushTimeout)
	defer cancel()
	_ = exp.Shutdown(ctx)
}

// Shutdown flushes buffered telemetry within the flush timeout and releases the exporters.
// The lifecycle ends in StateStopped whatever the flush outcome. Before Start it moves straight
// to StateStopped without touching any exporter.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.shutdownErr = l.shutdown(ctx)
	})
	return l.shutdownErr
}

func (l *Lifecycle) shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != StateRunning {
		l.state.Store(int32(StateStopped))
		l.log.Info().Msg("Telemetry stopped before start")
		return nil
	}
	l.state.Store(int32(StateShuttingDown))

	flushCtx, cancel := context.WithTimeout(ctx, l.cfg.FlushTimeout)
	defer cancel()

	var errs []error
	if tp := l.tracerProvider.Load(); tp != nil {
		if err := tp.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown trace provider: %w", err))
		}
	}
	if l.loggerProvider != nil {
		if err := l.loggerProvider.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown logger provider: %w", err))
		}
	}
	l.state.Store(int32(StateStopped))

	if len(errs) > 0 {
		err := errors.Join(errs...)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrFlushTimeout, l.cfg.FlushTimeout, err)
		}
		l.log.Warn().Err(err).Msg("Telemetry flush failed during shutdown")
		return err
	}

	l.log.Info().Msg("Telemetry shut down")
	return nil
}

// TracerProvider returns the running provider, or a no-op provider when Start has not succeeded.
func (l *Lifecycle) TracerProvider() trace.TracerProvider {
	if tp := l.tracerProvider.Load(); tp != nil {
		return tp
	}
	return noop.NewTracerProvider()
}

// Propagator returns the W3C trace context and baggage propagator.
func (l *Lifecycle) Propagator() propagation.TextMapPropagator {
	return l.propagator
}
