package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec

	backtestsTotal    *prometheus.CounterVec
	backtestDuration  prometheus.Histogram
	activeBacktests   prometheus.Gauge
	factorCacheEvents *prometheus.CounterVec
	factorDuration    *prometheus.HistogramVec
	wsConnections     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		backtestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtests_total",
				Help: "Total number of backtest runs by executor and status",
			},
			[]string{"executor", "status"},
		),
		backtestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backtest_duration_seconds",
				Help:    "Backtest run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		activeBacktests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "backtests_active",
				Help: "Number of backtests currently running",
			},
		),
		factorCacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factor_cache_events_total",
				Help: "Factor cache hits and misses",
			},
			[]string{"factor_type", "event"},
		),
		factorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factor_computation_duration_seconds",
				Help:    "Factor computation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"factor_type"},
		),
		wsConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),
	}

	prometheus.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.backtestsTotal,
		m.backtestDuration,
		m.activeBacktests,
		m.factorCacheEvents,
		m.factorDuration,
		m.wsConnections,
	)

	return m
}

// MetricsMiddleware creates a Prometheus metrics middleware for gin
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// PrometheusHandler returns the Prometheus metrics handler
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// RecordBacktest records a completed backtest run
func (m *Metrics) RecordBacktest(executor, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backtestsTotal.WithLabelValues(executor, status).Inc()
	m.backtestDuration.Observe(duration.Seconds())
}

// BacktestStarted increments the active backtest gauge
func (m *Metrics) BacktestStarted() {
	if m == nil {
		return
	}
	m.activeBacktests.Inc()
}

// BacktestFinished decrements the active backtest gauge
func (m *Metrics) BacktestFinished() {
	if m == nil {
		return
	}
	m.activeBacktests.Dec()
}

// RecordFactorCache records a factor cache hit or miss
func (m *Metrics) RecordFactorCache(factorType, event string) {
	if m == nil {
		return
	}
	m.factorCacheEvents.WithLabelValues(factorType, event).Inc()
}

// RecordFactorDuration records how long a factor group took to compute
func (m *Metrics) RecordFactorDuration(factorType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.factorDuration.WithLabelValues(factorType).Observe(duration.Seconds())
}

// SetWebsocketConnections sets the active WebSocket connection gauge
func (m *Metrics) SetWebsocketConnections(count float64) {
	if m == nil {
		return
	}
	m.wsConnections.Set(count)
}
