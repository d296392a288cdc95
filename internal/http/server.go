// Package http serves job status over HTTP while a scheduler pass runs.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/scheduler"
)

// JobSource exposes job status. *scheduler.Registry implements it.
type JobSource interface {
	Get(id string) (scheduler.Status, bool)
	List() []scheduler.Status
	Counts() map[scheduler.State]int
}

// Server provides the status endpoints.
type Server struct {
	echo    *echo.Echo
	jobs    JobSource
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics through m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a status server over jobs.
func NewServer(jobs JobSource, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:9464"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleListJobs returns every known job sorted by id, optionally filtered
// by ?state=.
func (s *Server) handleListJobs(c echo.Context) error {
	jobs := s.jobs.List()
	if want := c.QueryParam("state"); want != "" {
		filtered := make([]scheduler.Status, 0, len(jobs))
		for _, j := range jobs {
			if string(j.State) == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	return c.JSON(http.StatusOK, JobsResponse{
		Jobs:   jobs,
		Counts: s.jobs.Counts(),
		Total:  len(jobs),
	})
}

func (s *Server) handleGetJob(c echo.Context) error {
	id := c.Param("id")
	status, ok := s.jobs.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("job %q not found", id))
	}
	return c.JSON(http.StatusOK, status)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.echo.Shutdown(ctx)
}
