// Package server provides the HTTP surface of the service using the Echo framework: health,
// metrics scraping and the middleware chain that traces and logs every request.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	HealthPath     = "/health"
	MetricsPath    = "/metrics"
	TestSignupPath = "/metrics/test-signup"

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// DatabaseChecker reports whether the database answers a round-trip query.
type DatabaseChecker interface {
	TestConnection(ctx context.Context) bool
}

// MetricsSource renders the scrape payload and records the signup counter.
type MetricsSource interface {
	IsInitialized() bool
	Scrape() ([]byte, error)
	ContentType() string
	Increment(name string, labels map[string]string) error
}

// Options configures a Server.
type Options struct {
	Address     string
	ServiceName string
	Version     string
	Environment string
	// StartedAt is the process start time reported as aliveSince. Zero uses the time of New.
	StartedAt time.Time

	Database DatabaseChecker
	Metrics  MetricsSource

	// Tracing is installed ahead of the logging middleware so request logs carry trace ids.
	Tracing echo.MiddlewareFunc
}

// Server represents an HTTP server instance with Echo framework.
type Server struct {
	echo   *echo.Echo
	opts   Options
	logger logger.Logger
	now    func() time.Time
}

// New creates a server with the middleware chain and the health and metrics routes registered.
func New(opts Options, log logger.Logger) *Server {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	s := &Server{
		echo:   e,
		opts:   opts,
		logger: log,
		now:    time.Now,
	}

	SetupMiddlewares(e, log, opts.Tracing)

	e.GET(HealthPath, s.healthCheck)
	e.GET(MetricsPath, s.scrapeMetrics)
	e.GET(TestSignupPath, s.testSignup)

	return s
}

// Echo returns the underlying Echo instance for route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// ServeHTTP lets the server be driven directly by tests and other handlers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address and blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info().
		Str("service_name", s.opts.ServiceName).
		Str("version", s.opts.Version).
		Str("env", s.opts.Environment).
		Str("address", s.opts.Address).
		Msg("Starting server...")

	// Echo.Shutdown closes e.Server, so that is the server that must be started.
	server := s.echo.Server
	server.Addr = s.opts.Address
	server.ReadTimeout = defaultReadTimeout
	server.WriteTimeout = defaultWriteTimeout
	return ignoreClosed(s.echo.StartServer(server))
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	return s.Start()
}

// Shutdown stops accepting connections and waits for in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server no longer accepting requests")
	return s.echo.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
