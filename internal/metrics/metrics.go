// Package metrics exposes Prometheus instruments for collection runs,
// threshold checks and the HTTP trigger surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lsm"

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CollectionRuns     *prometheus.CounterVec
	CollectionDuration prometheus.Histogram
	OrganizationsTotal *prometheus.CounterVec
	RecordsCollected   *prometheus.CounterVec
	RecordsInserted    *prometheus.CounterVec
	RecordsDropped     prometheus.Counter

	ThresholdRuns  *prometheus.CounterVec
	RulesThrottled prometheus.Counter
	Breaches       prometheus.Counter
	Deliveries     *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry, including Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the instruments on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		CollectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_runs_total",
			Help:      "Daily collection runs by outcome (success, partial, failed, skipped).",
		}, []string{"outcome"}),
		CollectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of daily collection runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		OrganizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "organizations_total",
			Help:      "Organizations processed by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RecordsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_collected_total",
			Help:      "Records fetched from providers by kind (cost, usage).",
		}, []string{"kind"}),
		RecordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_inserted_total",
			Help:      "Records newly stored by kind (cost, usage).",
		}, []string{"kind"}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Provider lines dropped for unknown provider projects.",
		}),
		ThresholdRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_runs_total",
			Help:      "Threshold check runs by outcome.",
		}, []string{"outcome"}),
		RulesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_throttled_total",
			Help:      "Rule evaluations skipped by the cooldown.",
		}),
		Breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_total",
			Help:      "Spend limit breaches detected.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert deliveries by result (sent, failed).",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.CollectionRuns, m.CollectionDuration, m.OrganizationsTotal,
		m.RecordsCollected, m.RecordsInserted, m.RecordsDropped,
		m.ThresholdRuns, m.RulesThrottled, m.Breaches, m.Deliveries,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Collection records one daily collection run.
func (m *Metrics) Collection(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CollectionRuns.WithLabelValues(outcome).Inc()
	m.CollectionDuration.Observe(d.Seconds())
}

// Organizations adds organization outcomes for a provider.
func (m *Metrics) Organizations(provider string, succeeded, skipped, failed int) {
	if m == nil {
		return
	}
	m.OrganizationsTotal.WithLabelValues(provider, "succeeded").Add(float64(succeeded))
	m.OrganizationsTotal.WithLabelValues(provider, "skipped").Add(float64(skipped))
	m.OrganizationsTotal.WithLabelValues(provider, "failed").Add(float64(failed))
}

// Records adds collected and inserted counts for kind.
func (m *Metrics) Records(kind string, collected, inserted int) {
	if m == nil {
		return
	}
	m.RecordsCollected.WithLabelValues(kind).Add(float64(collected))
	m.RecordsInserted.WithLabelValues(kind).Add(float64(inserted))
}

// Dropped adds lines dropped for unknown provider projects.
func (m *Metrics) Dropped(n int) {
	if m == nil {
		return
	}
	m.RecordsDropped.Add(float64(n))
}

// Threshold records one threshold check run.
func (m *Metrics) Threshold(outcome string, throttled, breaches, sent, failed int) {
	if m == nil {
		return
	}
	m.ThresholdRuns.WithLabelValues(outcome).Inc()
	m.RulesThrottled.Add(float64(throttled))
	m.Breaches.Add(float64(breaches))
	m.Deliveries.WithLabelValues("sent").Add(float64(sent))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
}

// Instrument wraps next, labelling requests with route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
