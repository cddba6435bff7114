package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/todo-telemetry/logger"
)

// syncBuffer guards a log buffer written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (logger.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return logger.New(logger.Options{Service: "todo-service", Level: "debug", Stdout: buf, Stderr: buf}), buf
}

// fakeSignals hands the registered channel to the test instead of the OS.
type fakeSignals struct {
	mu         sync.Mutex
	ch         chan<- os.Signal
	registered chan struct{}
	stopped    bool
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{registered: make(chan struct{})}
}

func (f *fakeSignals) Notify(c chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	f.ch = c
	f.mu.Unlock()
	close(f.registered)
}

func (f *fakeSignals) Stop(chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeSignals) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// send delivers sig the way the runtime does: dropped when the channel is full.
func (f *fakeSignals) send(t *testing.T, sig os.Signal) {
	t.Helper()
	select {
	case <-f.registered:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler was never registered")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case f.ch <- sig:
	default:
	}
}

type exitRecorder struct {
	mu     sync.Mutex
	codes  []int
	called chan int
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{called: make(chan int, 8)}
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
	e.called <- code
}

func (e *exitRecorder) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-e.called:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not called")
		return -1
	}
}

func (e *exitRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.codes)
}

// stepRecorder records the order in which components are shut down.
type stepRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stepRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *stepRecorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeStep struct {
	name string
	rec  *stepRecorder
	err  error
	// block, when set, is waited on before returning; ctx is deliberately ignored.
	block chan struct{}
}

func (f *fakeStep) run(context.Context) error {
	f.rec.record(f.name)
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeStep) Shutdown(ctx context.Context) error { return f.run(ctx) }
func (f *fakeStep) CloseAll(ctx context.Context) error { return f.run(ctx) }
func (f *fakeStep) Close(ctx context.Context) error    { return f.run(ctx) }

type fakeComponents struct {
	rec       *stepRecorder
	server    *fakeStep
	pool      *fakeStep
	telemetry *fakeStep
	metrics   *fakeStep
}

func newFakeComponents() *fakeComponents {
	rec := &stepRecorder{}
	return &fakeComponents{
		rec:       rec,
		server:    &fakeStep{name: "server", rec: rec},
		pool:      &fakeStep{name: "pool", rec: rec},
		telemetry: &fakeStep{name: "telemetry", rec: rec},
		metrics:   &fakeStep{name: "metrics", rec: rec},
	}
}

func (f *fakeComponents) options() CoordinatorOptions {
	return CoordinatorOptions{
		Drainer:   f.server,
		Pool:      f.pool,
		Telemetry: f.telemetry,
		Metrics:   f.metrics,
		Timeout:   time.Second,
	}
}

var drainOrder = []string{"server", "pool", "telemetry", "metrics"}

func TestShutdownDrainsInOrder(t *testing.T) {
	fc := newFakeComponents()
	log, logs := newTestLogger()
	c := NewCoordinator(fc.options(), log)

	code, err := c.Shutdown("test")
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, drainOrder, fc.rec.steps())
	assert.True(t, c.Fired())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	out := logs.String()
	assert.Contains(t, out, "Graceful shutdown initiated")
	assert.Contains(t, out, "Graceful shutdown completed")
}

func TestShutdownSkipsMissingComponents(t *testing.T) {
	fc := newFakeComponents()
	opts := fc.options()
	opts.Drainer = nil
	opts.Metrics = nil

	code, err := NewCoordinator(opts, logger.NewNop()).Shutdown("test")
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, []string{"pool", "telemetry"}, fc.rec.steps())
}

func TestShutdownContinuesAfterStepFailure(t *testing.T) {
	fc := newFakeComponents()
	fc.pool.err = errors.New("pool exploded")
	c := NewCoordinator(fc.options(), logger.NewNop())

	code, err := c.Shutdown("test")
	assert.Equal(t, ExitOK, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database pool: pool exploded")
	assert.Equal(t, drainOrder, fc.rec.steps())
}

func TestShutdownIsSingleFire(t *testing.T) {
	fc := newFakeComponents()
	c := NewCoordinator(fc.options(), logger.NewNop())

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Shutdown("concurrent")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	inProgress := 0
	for err := range errs {
		if errors.Is(err, ErrShutdownInProgress) {
			inProgress++
		}
	}
	assert.Equal(t, callers-1, inProgress)
	assert.Equal(t, drainOrder, fc.rec.steps(), "components drained exactly once")
}

func TestShutdownTimeoutForcesExitCode(t *testing.T) {
	fc := newFakeComponents()
	fc.pool.block = make(chan struct{})
	t.Cleanup(func() { close(fc.pool.block) })

	opts := fc.options()
	opts.Timeout = 50 * time.Millisecond
	log, logs := newTestLogger()
	c := NewCoordinator(opts, log)

	start := time.Now()
	code, err := c.Shutdown("test")

	assert.Equal(t, ExitForced, code)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, time.Since(start), time.Second, "a stuck drain must not hang shutdown")
	assert.Equal(t, []string{"server", "pool"}, fc.rec.steps())
	assert.Contains(t, logs.String(), "Shutdown timed out, forcing exit")
}

func TestListenExitsZeroOnSignal(t *testing.T) {
	fc := newFakeComponents()
	signals := newFakeSignals()
	exits := newExitRecorder()

	opts := fc.options()
	opts.Signals = signals
	opts.Exit = exits.exit
	c := NewCoordinator(opts, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.Listen(context.Background()) }()

	signals.send(t, syscall.SIGTERM)

	assert.Equal(t, ExitOK, exits.wait(t))
	require.NoError(t, <-done)
	assert.Equal(t, drainOrder, fc.rec.steps())
	assert.True(t, signals.isStopped())
}

func TestListenIgnoresSecondSignal(t *testing.T) {
	fc := newFakeComponents()
	fc.pool.block = make(chan struct{})
	signals := newFakeSignals()
	exits := newExitRecorder()

	opts := fc.options()
	opts.Timeout = 5 * time.Second
	opts.Signals = signals
	opts.Exit = exits.exit
	c := NewCoordinator(opts, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.Listen(context.Background()) }()

	signals.send(t, os.Interrupt)
	require.Eventually(t, func() bool { return len(fc.rec.steps()) == 2 }, time.Second, 5*time.Millisecond)

	// Delivered while the pool is still draining.
	signals.send(t, syscall.SIGTERM)
	signals.send(t, os.Interrupt)
	close(fc.pool.block)

	assert.Equal(t, ExitOK, exits.wait(t))
	require.NoError(t, <-done)
	assert.Equal(t, 1, exits.count())
	assert.Equal(t, drainOrder, fc.rec.steps())
}

func TestListenDrainsWithoutExitWhenContextEnds(t *testing.T) {
	fc := newFakeComponents()
	exits := newExitRecorder()

	opts := fc.options()
	opts.Signals = newFakeSignals()
	opts.Exit = exits.exit
	c := NewCoordinator(opts, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.Listen(ctx))
	assert.Equal(t, drainOrder, fc.rec.steps())
	assert.Zero(t, exits.count())
}

func TestNewCoordinatorDefaults(t *testing.T) {
	c := NewCoordinator(CoordinatorOptions{}, logger.NewNop())
	assert.Equal(t, DefaultShutdownTimeout, c.opts.Timeout)
	assert.IsType(t, osSignalHandler{}, c.opts.Signals)
	assert.NotNil(t, c.opts.Exit)
}
