package http

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/http"

// requestMetrics records per-route request counts, latency and response
// sizes. Routes are labelled by template so corpus and attempt ids never
// become label values.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	var m requestMetrics
	var errs [4]error
	m.requests, errs[0] = meter.Int64Counter("corpusd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status code."),
		metric.WithUnit("{request}"))
	m.duration, errs[1] = meter.Float64Histogram("corpusd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status code."),
		metric.WithUnit("s"),
		// Retrieval and answer calls reach tens of seconds with a remote LLM.
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	m.size, errs[2] = meter.Int64Histogram("corpusd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size by method, route and status code."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("corpusd.http.in_flight_requests",
		metric.WithDescription("HTTP requests being served."),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *requestMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		start := time.Now()
		m.inFlight.Add(ctx, 1)
		defer m.inFlight.Add(ctx, -1)

		err := next(c)

		route := routeLabel(c.Path())
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request().Method),
			attribute.String("route", route),
			attribute.String("api", apiLabel(route)),
			attribute.Int("status", c.Response().Status),
		)
		m.requests.Add(ctx, 1, attrs)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.size.Record(ctx, c.Response().Size, attrs)
		return err
	}
}

// routeLabel maps requests that matched no route to one label.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return "unmatched"
	}
	return path
}

// apiLabel separates the owner-scoped API from operational endpoints.
func apiLabel(route string) string {
	if strings.HasPrefix(route, "/api/v1/") || route == "/api/v1" {
		return "v1"
	}
	return "ops"
}
