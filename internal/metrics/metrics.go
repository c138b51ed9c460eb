// Package metrics exposes Prometheus metrics for executions, pools, and
// the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbox_executions_total",
		Help: "Executions by language, status, and sandbox source.",
	}, []string{"language", "status", "source"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execbox_execution_duration_seconds",
		Help:    "Wall time of sandbox executions.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"language"})

	PoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execbox_pool_available",
		Help: "Warm sandboxes currently available per language.",
	}, []string{"language"})

	PoolTarget = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execbox_pool_target",
		Help: "Configured pool size per language.",
	}, []string{"language"})

	PoolExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbox_pool_exhaustions_total",
		Help: "Acquire timeouts that fell back to a cold start.",
	}, []string{"language"})

	SandboxesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbox_sandboxes_created_total",
		Help: "Sandboxes created, by language and trigger.",
	}, []string{"language", "trigger"})

	StateBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execbox_state_blob_bytes",
		Help:    "Size of persisted state blobs.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	}, []string{"tier"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbox_http_requests_total",
		Help: "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execbox_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// Middleware records request counts and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveExecution records one finished execution.
func ObserveExecution(language, status, source string, elapsed time.Duration) {
	ExecutionsTotal.WithLabelValues(language, status, source).Inc()
	ExecutionDuration.WithLabelValues(language).Observe(elapsed.Seconds())
}
