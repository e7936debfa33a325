// Package middleware holds the echo middleware shared by the HTTP server.
package middleware

import (
	"strconv"
	"sync"
	"time"

	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once
	reqTotal    *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
	inFlight    prometheus.Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		reqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chartsight_http_requests_total",
			Help: "HTTP requests by route, method and status class",
		}, []string{"route", "method", "class"})
		// Analyses take seconds to minutes, so buckets reach well past the
		// usual web latencies.
		reqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartsight_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"route", "method"})
		inFlight = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chartsight_http_in_flight_requests",
			Help: "Requests being served",
		})
	})
}

// ObserveConfig configures Observe.
type ObserveConfig struct {
	Logger  *applogger.Logger
	Metrics bool
	// Slow marks successful requests slower than this as warnings. Zero
	// disables the check.
	Slow time.Duration
}

// Observe logs each request once and records Prometheus metrics labelled by
// route template, so /api/analyses/:id stays a single series.
func Observe(cfg ObserveConfig) echo.MiddlewareFunc {
	l := cfg.Logger
	if l == nil {
		l = applogger.Nop()
	}
	if cfg.Metrics {
		initMetrics()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Metrics {
				inFlight.Inc()
				defer inFlight.Dec()
			}
			start := time.Now()
			if err := next(c); err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}
			elapsed := time.Since(start)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			req, res := c.Request(), c.Response()
			if cfg.Metrics {
				reqTotal.WithLabelValues(route, req.Method, strconv.Itoa(res.Status/100)+"xx").Inc()
				reqDuration.WithLabelValues(route, req.Method).Observe(elapsed.Seconds())
			}

			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("route", route),
				applogger.Int("status", res.Status),
				applogger.Duration("latency", elapsed),
				applogger.Int64("bytes", res.Size),
				applogger.String("remote", c.RealIP()),
				applogger.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
			}
			switch {
			case res.Status >= 500:
				l.Error("http request failed", fields...)
			case cfg.Slow > 0 && elapsed >= cfg.Slow:
				l.Warn("http request slow", fields...)
			default:
				l.Info("http request", fields...)
			}
			return nil
		}
	}
}
