package observability

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	testServiceName = "todo-service-test"
	testSpanName    = "GET /todos"
)

func testConfig() Config {
	return Config{
		ServiceName:    testServiceName,
		ServiceVersion: "1.2.3",
		Environment:    "test",
	}
}

func newTestLifecycle(t *testing.T, cfg Config, opts ...Option) (*Lifecycle, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	log := logger.New(logger.Options{Service: testServiceName, Level: "debug", Stdout: &out, Stderr: &out})
	opts = append([]Option{WithoutGlobals()}, opts...)
	return New(cfg, log, opts...), &out
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestStartThenShutdownFlushesSpans(t *testing.T) {
	exp := &recordingExporter{}
	l, out := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))
	assert.Equal(t, StateUninitialized, l.State())

	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, StateRunning, l.State())

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	span.End()

	require.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, []string{testSpanName}, exp.names())
	assert.EqualValues(t, 1, exp.shutdowns.Load())

	logs := out.String()
	assert.Contains(t, logs, "Telemetry started")
	assert.Contains(t, logs, "Telemetry shut down")
}

func TestSpansCarryServiceResource(t *testing.T) {
	exp := &recordingExporter{}
	l, _ := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))
	require.NoError(t, l.Start(context.Background()))

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	span.End()
	require.NoError(t, l.Shutdown(context.Background()))

	recorded := exp.byName(testSpanName)
	require.NotNil(t, recorded)
	attrs := map[string]string{}
	for _, kv := range recorded.Resource().Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, testServiceName, attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "test", attrs["deployment.environment.name"])
}

func TestStartIsNoopWhenRunning(t *testing.T) {
	l, _ := newTestLifecycle(t, testConfig(), WithSpanExporter(&recordingExporter{}))
	require.NoError(t, l.Start(context.Background()))
	first := l.TracerProvider()

	require.NoError(t, l.Start(context.Background()))
	assert.Same(t, first, l.TracerProvider())
	require.NoError(t, l.Shutdown(context.Background()))
}

func TestShutdownIsIdempotentUnderConcurrency(t *testing.T) {
	exp := &recordingExporter{}
	l, _ := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))
	require.NoError(t, l.Start(context.Background()))

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, exp.shutdowns.Load())
	assert.Equal(t, StateStopped, l.State())
}

func TestShutdownBeforeStart(t *testing.T) {
	exp := &recordingExporter{}
	l, out := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))

	require.NoError(t, l.Shutdown(context.Background()))
	require.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, l.State())
	assert.Zero(t, exp.exportCalls.Load())
	assert.Zero(t, exp.shutdowns.Load())
	assert.Contains(t, out.String(), "Telemetry stopped before start")

	err := l.Start(context.Background())
	assert.ErrorIs(t, err, ErrLifecycleStopped)
	assert.Equal(t, StateStopped, l.State())
}

func TestStartFailureIsRecoverable(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint = "collector:4317"
	cfg.Protocol = "amqp"
	l, out := newTestLifecycle(t, cfg)

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	assert.Equal(t, StateUninitialized, l.State())
	assert.Contains(t, out.String(), "Failed to start telemetry, continuing without tracing")

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	assert.False(t, span.IsRecording(), "failed start falls back to a no-op provider")
	span.End()

	assert.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, l.State())
}

func TestShutdownFlushTimeout(t *testing.T) {
	exp := &recordingExporter{block: make(chan struct{})}
	t.Cleanup(func() { close(exp.block) })

	cfg := testConfig()
	cfg.FlushTimeout = 50 * time.Millisecond
	l, out := newTestLifecycle(t, cfg, WithSpanExporter(exp))
	require.NoError(t, l.Start(context.Background()))

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	span.End()

	start := time.Now()
	err := l.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlushTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateStopped, l.State())
	assert.Contains(t, out.String(), "Telemetry flush failed during shutdown")

	assert.Equal(t, err, l.Shutdown(context.Background()), "result is memoized")
}

func TestShutdownWaitsForInFlightStart(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	startHook = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	t.Cleanup(func() { startHook = nil })

	exp := &recordingExporter{}
	l, _ := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))

	startErr := make(chan error, 1)
	go func() { startErr <- l.Start(context.Background()) }()
	<-entered
	assert.Equal(t, StateStarting, l.State())

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- l.Shutdown(context.Background()) }()

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while start was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-startErr)
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, StateStopped, l.State())
	assert.EqualValues(t, 1, exp.shutdowns.Load())
}

func TestStartHookFailureShutsExporterDown(t *testing.T) {
	startHook = func(context.Context) error { return errors.New("hook failed") }
	t.Cleanup(func() { startHook = nil })

	exp := &recordingExporter{}
	l, _ := newTestLifecycle(t, testConfig(), WithSpanExporter(exp))

	require.Error(t, l.Start(context.Background()))
	assert.Equal(t, StateUninitialized, l.State())
	assert.EqualValues(t, 1, exp.shutdowns.Load())
}

func TestDisabledExportStillCorrelates(t *testing.T) {
	l, _ := newTestLifecycle(t, testConfig())
	require.NoError(t, l.Start(context.Background()))

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())

	require.NoError(t, l.Shutdown(context.Background()))
}

func TestZeroSampleRateDropsSpans(t *testing.T) {
	exp := &recordingExporter{}
	cfg := testConfig()
	zero := 0.0
	cfg.SampleRate = &zero
	l, _ := newTestLifecycle(t, cfg, WithSpanExporter(exp))
	require.NoError(t, l.Start(context.Background()))

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	span.End()

	require.NoError(t, l.Shutdown(context.Background()))
	assert.Empty(t, exp.names())
}

func TestStdoutEndpoint(t *testing.T) {
	var stdout bytes.Buffer
	cfg := testConfig()
	cfg.Endpoint = EndpointStdout
	l, _ := newTestLifecycle(t, cfg, WithStdout(&stdout))
	require.NoError(t, l.Start(context.Background()))

	_, span := l.TracerProvider().Tracer("test").Start(context.Background(), testSpanName)
	span.End()

	require.NoError(t, l.Shutdown(context.Background()))
	assert.Contains(t, stdout.String(), testSpanName)
}

func TestOTLPExportersAreLazy(t *testing.T) {
	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := testConfig()
			cfg.Endpoint = "127.0.0.1:1"
			cfg.Protocol = protocol
			cfg.Insecure = true
			cfg.LogsEnabled = true
			cfg.FlushTimeout = 200 * time.Millisecond
			l, _ := newTestLifecycle(t, cfg)

			require.NoError(t, l.Start(context.Background()), "exporters connect on first export")
			assert.Equal(t, StateRunning, l.State())
			_ = l.Shutdown(context.Background())
			assert.Equal(t, StateStopped, l.State())
		})
	}
}

func TestLogExporterReceivesGlobalRecords(t *testing.T) {
	exp := &recordingLogExporter{}
	var out bytes.Buffer
	log := logger.New(logger.Options{Stdout: &out, Stderr: &out})
	l := New(testConfig(), log, WithLogExporter(exp))
	require.NoError(t, l.Start(context.Background()))

	var rec otellog.Record
	rec.SetBody(otellog.StringValue("todo created"))
	rec.SetSeverity(otellog.SeverityInfo)
	global.GetLoggerProvider().Logger("test").Emit(context.Background(), rec)

	require.NoError(t, l.Shutdown(context.Background()))
	assert.EqualValues(t, 1, exp.records.Load())
	assert.EqualValues(t, 1, exp.shutdowns.Load())
}
