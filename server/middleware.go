package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gaborage/todo-telemetry/logger"
)

// HeaderXResponseTime carries the handler duration on every response.
const HeaderXResponseTime = "X-Response-Time"

// SetupMiddlewares registers the middleware chain. tracing may be nil.
func SetupMiddlewares(e *echo.Echo, log logger.Logger, tracing echo.MiddlewareFunc) {
	// Request ID
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))

	// Server span, before the logger so request logs carry trace ids
	if tracing != nil {
		e.Use(tracing)
	}

	e.Use(RequestLogger(log, HealthPath, MetricsPath))

	// Recovery
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.WithContext(c.Request().Context()).Error().
				Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("stack", string(stack)).
				Msg("Panic recovered")
			return err
		},
	}))

	// Security headers
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	e.Use(middleware.BodyLimit("1M"))

	e.Use(Timing())
}

// Timing adds an X-Response-Time header with the handler duration.
func Timing() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			c.Response().Before(func() {
				c.Response().Header().Set(HeaderXResponseTime, time.Since(start).String())
			})
			return next(c)
		}
	}
}

// RequestLogger logs one entry per request in the context of its span. skipPaths are not logged.
func RequestLogger(log logger.Logger, skipPaths ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			if skip[path] {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler decide the status before it is logged.
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			fields := map[string]any{
				"method":      req.Method,
				"path":        path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  c.Response().Header().Get(echo.HeaderXRequestID),
			}
			msg := fmt.Sprintf("%s %s", req.Method, path)

			level := logger.InfoLevel
			switch {
			case status >= 500:
				level = logger.ErrorLevel
			case status >= 400:
				level = logger.WarnLevel
			}
			log.Log(req.Context(), level, msg, fields, err)
			return nil
		}
	}
}
