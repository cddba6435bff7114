package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/todo-telemetry/metrics"
)

const (
	defaultPlanType       = "free"
	defaultReferralSource = "direct"
)

var errMetricsUninitialized = errors.New("metrics not initialized")

// SignupResponse acknowledges a recorded signup.
type SignupResponse struct {
	Message        string `json:"message"`
	PlanType       string `json:"plan_type"`
	ReferralSource string `json:"referral_source"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) metricsReady() bool {
	return s.opts.Metrics != nil && s.opts.Metrics.IsInitialized()
}

func (s *Server) scrapeMetrics(c echo.Context) error {
	if !s.metricsReady() {
		s.logger.WithContext(c.Request().Context()).Error().Err(errMetricsUninitialized).Msg("Error generating metrics")
		return echo.NewHTTPError(http.StatusInternalServerError, "Metrics not initialized")
	}

	body, err := s.opts.Metrics.Scrape()
	if err != nil {
		s.logger.WithContext(c.Request().Context()).Error().Err(err).Msg("Error generating metrics")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate metrics")
	}
	return c.Blob(http.StatusOK, s.opts.Metrics.ContentType(), body)
}

// testSignup records one user signup, labelled by the plan_type and referral_source query parameters.
func (s *Server) testSignup(c echo.Context) error {
	if !s.metricsReady() {
		return echo.NewHTTPError(http.StatusInternalServerError, "Metrics not initialized")
	}

	plan := c.QueryParam("plan_type")
	if plan == "" {
		plan = defaultPlanType
	}
	source := c.QueryParam("referral_source")
	if source == "" {
		source = defaultReferralSource
	}

	err := s.opts.Metrics.Increment(metrics.UserSignupsTotal, map[string]string{
		"plan_type":       plan,
		"referral_source": source,
	})
	if err != nil {
		s.logger.WithContext(c.Request().Context()).Error().Err(err).Msg("Error incrementing signup metric")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to increment metric")
	}

	return c.JSON(http.StatusOK, SignupResponse{
		Message:        "User signup metric incremented",
		PlanType:       plan,
		ReferralSource: source,
		Timestamp:      s.now().UTC().Format(time.RFC3339Nano),
	})
}
