package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	ExitOK     = 0
	ExitForced = 1

	DefaultShutdownTimeout = 10 * time.Second
)

var (
	// ErrShutdownTimeout is returned when the drain sequence did not finish within the shutdown timeout.
	ErrShutdownTimeout = errors.New("graceful shutdown timed out")
	// ErrShutdownInProgress is returned to every caller of Shutdown after the first.
	ErrShutdownInProgress = errors.New("shutdown already in progress")
)

// ExitFunc terminates the process. os.Exit in production.
type ExitFunc func(code int)

// CoordinatorOptions lists the components drained on shutdown. Nil components are skipped.
type CoordinatorOptions struct {
	Drainer   Drainer
	Pool      PoolCloser
	Telemetry Telemetry
	Metrics   MetricsCloser

	// Timeout bounds the whole drain sequence. Zero uses DefaultShutdownTimeout.
	Timeout time.Duration
	Signals SignalHandler
	Exit    ExitFunc
}

// Coordinator drains the service in a fixed order on the first SIGINT or SIGTERM:
// stop accepting requests, close the pool, flush telemetry, close metrics, exit.
type Coordinator struct {
	opts CoordinatorOptions
	log  logger.Logger

	fired atomic.Bool
	done  chan struct{}
}

type namedStep struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCoordinator creates a coordinator. Listen must be called to react to signals.
func NewCoordinator(opts CoordinatorOptions, log logger.Logger) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultShutdownTimeout
	}
	if opts.Signals == nil {
		opts.Signals = osSignalHandler{}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Coordinator{
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
}

// Listen blocks until a termination signal arrives or ctx ends, then drains.
// On a signal the process exits with the drain's exit code. When ctx ends the
// drain still runs but Listen returns instead of exiting.
func (c *Coordinator) Listen(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	c.opts.Signals.Notify(quit, os.Interrupt, syscall.SIGTERM)
	// Signals arriving while draining stay registered here and are ignored.
	defer c.opts.Signals.Stop(quit)

	c.log.Info().Msg("Signal handler registered, waiting for shutdown signal")

	select {
	case sig := <-quit:
		c.log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		code, err := c.Shutdown(sig.String())
		if errors.Is(err, ErrShutdownInProgress) {
			return nil
		}
		c.opts.Exit(code)
		return nil
	case <-ctx.Done():
		_, err := c.Shutdown("context canceled")
		if errors.Is(err, ErrShutdownInProgress) {
			return nil
		}
		return err
	}
}

// Shutdown runs the drain sequence once and returns the exit code for the process.
// Only the first call drains; every later call returns ErrShutdownInProgress immediately.
// A sequence that outlives the timeout yields ExitForced and ErrShutdownTimeout even if
// a step is still blocked.
func (c *Coordinator) Shutdown(reason string) (int, error) {
	if !c.fired.CompareAndSwap(false, true) {
		c.log.Warn().Str("reason", reason).Msg("Shutdown already in progress, ignoring")
		return ExitOK, ErrShutdownInProgress
	}
	defer close(c.done)

	start := time.Now()
	c.log.Info().
		Str("reason", reason).
		Dur("timeout", c.opts.Timeout).
		Msg("Graceful shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		finished <- c.drain(ctx)
	}()

	var drainErr error
	select {
	case drainErr = <-finished:
	case <-ctx.Done():
	}

	if ctx.Err() != nil {
		err := fmt.Errorf("%w after %s", ErrShutdownTimeout, c.opts.Timeout)
		c.log.Error().Err(err).Msg("Shutdown timed out, forcing exit")
		return ExitForced, errors.Join(err, drainErr)
	}

	if drainErr != nil {
		c.log.Warn().Err(drainErr).Dur("duration", time.Since(start)).Msg("Graceful shutdown completed with errors")
		return ExitOK, drainErr
	}

	c.log.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown completed")
	return ExitOK, nil
}

// Fired reports whether Shutdown has been called.
func (c *Coordinator) Fired() bool {
	return c.fired.Load()
}

// Done is closed once the first Shutdown returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) steps() []namedStep {
	var steps []namedStep
	if c.opts.Drainer != nil {
		steps = append(steps, namedStep{name: "HTTP server", fn: c.opts.Drainer.Shutdown})
	}
	if c.opts.Pool != nil {
		steps = append(steps, namedStep{name: "database pool", fn: c.opts.Pool.CloseAll})
	}
	if c.opts.Telemetry != nil {
		steps = append(steps, namedStep{name: "telemetry", fn: c.opts.Telemetry.Shutdown})
	}
	if c.opts.Metrics != nil {
		steps = append(steps, namedStep{name: "metrics registry", fn: c.opts.Metrics.Close})
	}
	return steps
}

// drain runs every step in order. A failed step is logged and the sequence continues.
func (c *Coordinator) drain(ctx context.Context) error {
	var errs []error
	for _, step := range c.steps() {
		stepStart := time.Now()
		c.log.Info().Msgf("Shutting down %s", step.name)

		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			c.log.Error().Err(err).Msgf("Failed to shut down %s", step.name)
			continue
		}
		c.log.Info().Dur("duration", time.Since(stepStart)).Msgf("Shut down %s", step.name)
	}
	return errors.Join(errs...)
}
