package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/tabledoc/internal/http"

// HTTPMetrics records status server traffic. Any instrument the meter
// refuses is left nil and skipped.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers tabledoc.http.* instruments on meter.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	var m HTTPMetrics
	var errs [3]error
	m.requests, errs[0] = meter.Int64Counter("tabledoc.http.requests_total",
		metric.WithDescription("Status server requests by method, route and status"),
		metric.WithUnit("{request}"))
	m.duration, errs[1] = meter.Float64Histogram("tabledoc.http.request_duration_seconds",
		metric.WithDescription("Status server request latency"),
		metric.WithUnit("s"),
		// job listings are served from memory
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.25))
	m.inFlight, errs[2] = meter.Int64UpDownCounter("tabledoc.http.active_requests",
		metric.WithDescription("Status server requests being served"),
		metric.WithUnit("{request}"))

	if err := errors.Join(errs[:]...); err != nil && logger != nil {
		logger.Warn("status server metrics partially disabled", zap.Error(err))
	}
	return &m
}

// MetricsMiddleware labels requests by route pattern, so every
// /api/v1/jobs/:id lookup shares one series. Handler errors are rendered
// here so the recorded status is the one sent.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			attrs := metric.WithAttributeSet(attribute.NewSet(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeOf(c)),
				attribute.Int("status", c.Response().Status),
			))
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return nil
		}
	}
}

// routeOf returns the matched route pattern, or "unmatched" for 404s that
// hit no route.
func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
