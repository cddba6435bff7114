package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/todo-telemetry/logger"
)

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"

	DatabaseConnected    = "connected"
	DatabaseDisconnected = "disconnected"
)

var errNoDatabase = errors.New("no database checker configured")

// ServiceHealth is the payload of the health endpoint, computed on every request.
type ServiceHealth struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	CurrentDate   string  `json:"currentDate"`
	// AliveSince and UptimeSeconds both carry the process uptime in seconds.
	AliveSince    float64 `json:"aliveSince"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Status        string  `json:"status"`
	Environment   string  `json:"environment"`
	Database      string  `json:"database"`
}

// HealthFailure is returned with a 500 when the health check itself fails.
type HealthFailure struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Error     string `json:"error"`
}

// Health probes the database and reports the service state.
func (s *Server) Health(ctx context.Context) ServiceHealth {
	now := s.now()
	uptime := now.Sub(s.opts.StartedAt).Seconds()
	h := ServiceHealth{
		Name:          s.opts.ServiceName,
		Version:       s.opts.Version,
		CurrentDate:   now.UTC().Format(time.RFC3339Nano),
		AliveSince:    uptime,
		UptimeSeconds: uptime,
		Status:        HealthStatusDegraded,
		Environment:   s.opts.Environment,
		Database:      DatabaseDisconnected,
	}
	if s.opts.Database.TestConnection(ctx) {
		h.Status = HealthStatusOK
		h.Database = DatabaseConnected
	}
	return h
}

func (s *Server) healthCheck(c echo.Context) (err error) {
	ctx := c.Request().Context()
	log := s.logger.WithContext(ctx)
	log.Info().Msg("Health check requested")

	defer func() {
		if r := recover(); r != nil {
			err = s.healthFailure(c, fmt.Errorf("health check panicked: %v", r))
		}
	}()

	if s.opts.Database == nil {
		return s.healthFailure(c, errNoDatabase)
	}

	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != HealthStatusOK {
		status = http.StatusServiceUnavailable
	}

	log.Info().
		Str("status", h.Status).
		Str("database", h.Database).
		Str("environment", h.Environment).
		Interface("aliveSince", h.AliveSince).
		Msg("Health check completed")

	return c.JSON(status, h)
}

func (s *Server) healthFailure(c echo.Context, cause error) error {
	s.logger.Log(c.Request().Context(), logger.ErrorLevel, "Health check failed", nil, cause)
	return c.JSON(http.StatusInternalServerError, HealthFailure{
		Status:    HealthStatusError,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Service:   s.opts.ServiceName,
		Error:     "Health check failed",
	})
}
