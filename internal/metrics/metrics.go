// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the database pools.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	recordOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_record_operations_total",
			Help: "Total number of record API operations",
		},
		[]string{"api", "operation", "outcome"},
	)

	realtimeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_realtime_subscriptions",
			Help: "Number of active realtime subscriptions",
		},
	)
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest observes one finished request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RequestStarted/RequestFinished track the in-flight gauge.
func RequestStarted()  { httpRequestsInFlight.Inc() }
func RequestFinished() { httpRequestsInFlight.Dec() }

// RecordOperation counts a record API operation with its outcome.
func RecordOperation(api, operation, outcome string) {
	recordOperationsTotal.WithLabelValues(api, operation, outcome).Inc()
}

// SubscriptionOpened/SubscriptionClosed track the realtime gauge.
func SubscriptionOpened()  { realtimeSubscriptions.Inc() }
func SubscriptionClosed() { realtimeSubscriptions.Dec() }
