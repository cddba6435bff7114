package observability

import (
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	instrumentationName = "github.com/gaborage/todo-telemetry"
	scrapePath          = "/metrics"
)

// Instrumentation builds the HTTP server, HTTP client and database hooks. The tracer provider
// is captured when Instrument is called, so call it after Start.
type Instrumentation struct {
	service        string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	log            logger.Logger
}

// Instrument returns hooks that trace through the lifecycle and record instrument metrics into
// mp. A nil mp discards metrics.
func (l *Lifecycle) Instrument(mp metric.MeterProvider) *Instrumentation {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	return &Instrumentation{
		service:        l.cfg.ServiceName,
		tracerProvider: l.TracerProvider(),
		meterProvider:  mp,
		propagator:     l.propagator,
		log:            l.log,
	}
}

// EchoMiddleware traces inbound requests. Scrape requests are not traced.
func (i *Instrumentation) EchoMiddleware() echo.MiddlewareFunc {
	return otelecho.Middleware(
		i.service,
		otelecho.WithTracerProvider(i.tracerProvider),
		otelecho.WithPropagators(i.propagator),
		otelecho.WithSkipper(func(c echo.Context) bool {
			return c.Request().URL.Path == scrapePath
		}),
	)
}

// HTTPTransport wraps base so outbound requests carry the trace context and produce client spans.
// A nil base uses http.DefaultTransport.
func (i *Instrumentation) HTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithTracerProvider(i.tracerProvider),
		otelhttp.WithMeterProvider(i.meterProvider),
		otelhttp.WithPropagators(i.propagator),
	)
}

// HTTPClient returns a client using HTTPTransport.
func (i *Instrumentation) HTTPClient() *http.Client {
	return &http.Client{Transport: i.HTTPTransport(nil)}
}

// DBTracer returns a pgx query tracer producing one client span per statement.
func (i *Instrumentation) DBTracer() pgx.QueryTracer {
	return newQueryTracer(i.tracerProvider, i.meterProvider, i.log)
}
