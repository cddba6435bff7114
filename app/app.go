// Package app owns the process-wide components and their order of construction and teardown:
// telemetry first so everything after it is traced, then metrics and the database pool, then
// the HTTP server. Teardown is delegated to a Coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gaborage/todo-telemetry/config"
	"github.com/gaborage/todo-telemetry/database"
	"github.com/gaborage/todo-telemetry/logger"
	"github.com/gaborage/todo-telemetry/metrics"
	"github.com/gaborage/todo-telemetry/observability"
	"github.com/gaborage/todo-telemetry/server"
)

// App represents the main application instance.
// It holds exactly one of each component and hands them to the code that needs them.
type App struct {
	cfg         *config.Config
	logger      logger.Logger
	telemetry   *observability.Lifecycle
	instruments *observability.Instrumentation
	metrics     *metrics.Registry
	pool        *database.Pool
	server      *server.Server
	coordinator *Coordinator
	serve       func() error
}

// New builds every component. Telemetry failures are logged and tolerated; metrics and
// database pool failures abort startup after releasing what was already built.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts *Options) (*App, error) {
	startedAt := time.Now()

	log.Info().
		Str("service_name", cfg.OTel.Service.Name).
		Str("version", cfg.OTel.Service.Version).
		Str("environment", cfg.Environment()).
		Str("otlp_endpoint", cfg.OTel.Exporter.OTLP.Endpoint).
		Msg("Starting application")

	tel := observability.New(observability.ConfigFrom(cfg), log, opts.telemetry()...)
	if err := tel.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Continuing without telemetry export")
	}

	reg, err := metrics.New(metrics.Options{
		ServiceName:    cfg.OTel.Service.Name,
		ServiceVersion: cfg.OTel.Service.Version,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create metrics registry: %w", err), tel.Shutdown(ctx))
	}

	inst := tel.Instrument(reg.MeterProvider())

	pool, err := openPool(cfg, inst, log, opts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create database pool: %w", err), reg.Close(ctx), tel.Shutdown(ctx))
	}

	if err := reg.RegisterCollector(database.NewStatsCollector(pool)); err != nil {
		return nil, errors.Join(err, pool.CloseAll(ctx), reg.Close(ctx), tel.Shutdown(ctx))
	}

	if !pool.TestConnection(ctx) {
		log.Warn().Msg("Database not reachable at startup, health checks will report degraded")
	}

	srv := server.New(server.Options{
		Address:     cfg.Address(),
		ServiceName: cfg.OTel.Service.Name,
		Version:     cfg.OTel.Service.Version,
		Environment: cfg.Environment(),
		StartedAt:   startedAt,
		Database:    pool,
		Metrics:     reg,
		Tracing:     inst.EchoMiddleware(),
	}, log)

	coordinator := NewCoordinator(CoordinatorOptions{
		Drainer:   srv,
		Pool:      pool,
		Telemetry: tel,
		Metrics:   reg,
		Timeout:   cfg.Shutdown.Timeout,
		Signals:   opts.signals(),
		Exit:      opts.exit(),
	}, log)

	a := &App{
		cfg:         cfg,
		logger:      log,
		telemetry:   tel,
		instruments: inst,
		metrics:     reg,
		pool:        pool,
		server:      srv,
		coordinator: coordinator,
		serve:       srv.Start,
	}
	if ln := opts.listener(); ln != nil {
		a.serve = func() error { return srv.Serve(ln) }
	}

	log.Info().Dur("duration", time.Since(startedAt)).Msg("Application initialized")
	return a, nil
}

func openPool(cfg *config.Config, inst *observability.Instrumentation, log logger.Logger, opts *Options) (*database.Pool, error) {
	if connector := opts.connector(); connector != nil {
		return database.New(connector, database.OptionsFromConfig(&cfg.DB), log)
	}
	return database.Open(&cfg.DB, inst.DBTracer(), log)
}

// Run serves HTTP until the coordinator drains the process. A signal ends in the
// coordinator's exit call; a server failure or ctx cancellation drains and returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Msg("Server goroutine starting")
		if err := a.serve(); err != nil {
			a.logger.Error().Err(err).Msg("Server stopped unexpectedly")
			return fmt.Errorf("http server: %w", err)
		}
		a.logger.Info().Msg("Server goroutine terminating")
		return nil
	})

	g.Go(func() error {
		return a.coordinator.Listen(gctx)
	})

	return g.Wait()
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger { return a.logger }

// Pool returns the shared database pool.
func (a *App) Pool() *database.Pool { return a.pool }

// Metrics returns the shared metrics registry.
func (a *App) Metrics() *metrics.Registry { return a.metrics }

// Telemetry returns the tracing lifecycle.
func (a *App) Telemetry() *observability.Lifecycle { return a.telemetry }

// Server returns the HTTP server, for registering additional routes before Run.
func (a *App) Server() *server.Server { return a.server }

// Coordinator returns the shutdown coordinator.
func (a *App) Coordinator() *Coordinator { return a.coordinator }

// HTTPClient returns a client whose requests are traced and carry W3C trace headers.
func (a *App) HTTPClient() *http.Client { return a.instruments.HTTPClient() }
