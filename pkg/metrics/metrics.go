// Package metrics provides Prometheus instrumentation.
//
// It pre-defines the HTTP metrics every request passes through, plus the
// domain counters the readings workflow cares about (status transitions,
// photo uploads, geocode cache effectiveness, websocket clients).
//
// Wire it up once in the server bootstrap:
//
//	r.Use(metrics.Middleware())
//	r.HandleFunc("/metrics", metrics.Handler())
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration tracks how long each HTTP request takes,
	// broken down by method, route path, and status code.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meterdesk",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts all HTTP requests.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterdesk",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// RequestInFlight tracks how many requests are currently being served.
	RequestInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterdesk",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})

	// ReadingTransitions counts approval-workflow transitions.
	ReadingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterdesk",
			Subsystem: "readings",
			Name:      "status_transitions_total",
			Help:      "Total reading status transitions.",
		},
		[]string{"status"}, // "approved" | "rejected" | "pending"
	)

	// PhotoUploads counts photo uploads by outcome.
	PhotoUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterdesk",
			Subsystem: "readings",
			Name:      "photo_uploads_total",
			Help:      "Total photo uploads.",
		},
		[]string{"outcome"}, // "ok" | "rejected" | "failed"
	)

	// GeocodeLookups tracks geocoder cache effectiveness.
	GeocodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterdesk",
			Subsystem: "geocode",
			Name:      "lookups_total",
			Help:      "Total zipcode geocode lookups.",
		},
		[]string{"source"}, // "cache" | "upstream" | "error"
	)

	// WSClients tracks connected realtime clients.
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterdesk",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Number of connected websocket clients.",
	})
)

// DefaultRegistry is the Prometheus registry used by the app.
// Register your own metrics against this.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	// Go runtime metrics (GC, goroutines, memory)
	DefaultRegistry.MustRegister(collectors.NewGoCollector())

	DefaultRegistry.MustRegister(
		RequestDuration,
		RequestTotal,
		RequestInFlight,
		ReadingTransitions,
		PhotoUploads,
		GeocodeLookups,
		WSClients,
	)
}

// MustRegister panics if registration fails.
func MustRegister(c ...prometheus.Collector) {
	DefaultRegistry.MustRegister(c...)
}

// ─────────────────────────────────────────────
// HTTP middleware
// ─────────────────────────────────────────────

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware returns middleware that records a duration histogram, a total
// counter, and an in-flight gauge for every request.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path // raw path; normalize in high-cardinality APIs

			RequestInFlight.Inc()
			defer RequestInFlight.Dec()

			rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rr, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rr.status)

			RequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
			RequestTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return h.ServeHTTP
}
