// Package observability exposes Prometheus collectors for HTTP and domain events.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	reservations    *prometheus.CounterVec
	releases        *prometheus.CounterVec
	syncRecords     *prometheus.CounterVec
	syncBatches     *prometheus.CounterVec
	syncFailureRate prometheus.Gauge
	transitions     *prometheus.CounterVec
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gastronom_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_stock_reservations_total",
		Help: "Reservation attempts by result.",
	}, []string{"result"})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_stock_releases_total",
		Help: "Reservation releases, split by whether stock was credited back.",
	}, []string{"credited"})
	syncRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_sync_records_total",
		Help: "Catalog sync records by outcome status.",
	}, []string{"status"})
	syncBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_sync_batches_total",
		Help: "Catalog sync batches, split by degraded flag.",
	}, []string{"degraded"})
	failureRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gastronom_sync_failure_rate",
		Help: "Failure rate of the most recent catalog sync batch.",
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gastronom_order_transitions_total",
		Help: "Order status transitions by edge and result.",
	}, []string{"from", "to", "result"})
	registry.MustRegister(
		collectors.NewGoCollector(),
		requests, duration,
		reservations, releases,
		syncRecords, syncBatches, failureRate,
		transitions,
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		reservations:    reservations,
		releases:        releases,
		syncRecords:     syncRecords,
		syncBatches:     syncBatches,
		syncFailureRate: failureRate,
		transitions:     transitions,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors such as job metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveReservation counts a ledger reservation attempt.
func (m *Metrics) ObserveReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// ObserveRelease counts a ledger release.
func (m *Metrics) ObserveRelease(credited bool) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(strconv.FormatBool(credited)).Inc()
}

// ObserveSyncRecord counts one reconciled record.
func (m *Metrics) ObserveSyncRecord(status string) {
	if m == nil {
		return
	}
	m.syncRecords.WithLabelValues(status).Inc()
}

// ObserveSyncBatch records the batch verdict and its failure rate.
func (m *Metrics) ObserveSyncBatch(degraded bool, failureRate float64) {
	if m == nil {
		return
	}
	m.syncBatches.WithLabelValues(strconv.FormatBool(degraded)).Inc()
	m.syncFailureRate.Set(failureRate)
}

// ObserveTransition counts an order status change attempt.
func (m *Metrics) ObserveTransition(from, to, result string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "new"
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
