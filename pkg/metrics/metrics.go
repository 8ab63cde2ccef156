// Package metrics defines the Prometheus metric collectors used across the
// server and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the server. The helper methods
// are safe to call on a nil *Metrics so components can run without a
// registry in tests.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocsIngestedTotal    *prometheus.CounterVec
	CommitsTotal         *prometheus.CounterVec
	CommitDuration       *prometheus.HistogramVec
	IndexGeneration      *prometheus.GaugeVec
	PendingDocs          *prometheus.GaugeVec
	IndexDocCount        *prometheus.GaugeVec
	ActiveIndices        prometheus.Gauge
	StartupLoadFailures  prometheus.Counter
	IngestMessagesTotal  *prometheus.CounterVec
	EventsDroppedTotal   prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		DocsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs_ingested_total",
				Help: "Total documents accepted into pending buffers.",
			},
			[]string{"index"},
		),
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_commits_total",
				Help: "Total commit cycles by index and status (success, failure, skipped).",
			},
			[]string{"index", "status"},
		),
		CommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_commit_duration_seconds",
				Help:    "Commit cycle latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"index"},
		),
		IndexGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_generation",
				Help: "Currently published generation per index.",
			},
			[]string{"index"},
		),
		PendingDocs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_pending_operations",
				Help: "Buffered operations awaiting commit per index.",
			},
			[]string{"index"},
		),
		IndexDocCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_document_count",
				Help: "Number of live documents in the published generation.",
			},
			[]string{"index"},
		),
		ActiveIndices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_indices",
				Help: "Number of indices registered in the catalog.",
			},
		),
		StartupLoadFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_startup_load_failures_total",
				Help: "Index directories skipped at startup because they failed to load.",
			},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_total",
				Help: "Kafka ingest messages by outcome.",
			},
			[]string{"status"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Index events dropped because the publisher queue was full.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsIngestedTotal,
		m.CommitsTotal,
		m.CommitDuration,
		m.IndexGeneration,
		m.PendingDocs,
		m.IndexDocCount,
		m.ActiveIndices,
		m.StartupLoadFailures,
		m.IngestMessagesTotal,
		m.EventsDroppedTotal,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ObserveIngest(index string, n int) {
	if m == nil {
		return
	}
	m.DocsIngestedTotal.WithLabelValues(index).Add(float64(n))
}

func (m *Metrics) SetPending(index string, n int) {
	if m == nil {
		return
	}
	m.PendingDocs.WithLabelValues(index).Set(float64(n))
}

// ObserveCommit records one commit cycle outcome.
func (m *Metrics) ObserveCommit(index, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(index, status).Inc()
	if status != "skipped" {
		m.CommitDuration.WithLabelValues(index).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SetGeneration(index string, generation uint64, docs uint64) {
	if m == nil {
		return
	}
	m.IndexGeneration.WithLabelValues(index).Set(float64(generation))
	m.IndexDocCount.WithLabelValues(index).Set(float64(docs))
}

// ObserveQuery records latency and outcome for one search.
func (m *Metrics) ObserveQuery(cacheStatus string, results int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.SearchQueriesTotal.WithLabelValues("error").Inc()
	case results == 0:
		m.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
	default:
		m.SearchQueriesTotal.WithLabelValues("hit").Inc()
	}
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
	if err == nil {
		m.SearchResultsCount.Observe(float64(results))
	}
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) SetActiveIndices(n int) {
	if m == nil {
		return
	}
	m.ActiveIndices.Set(float64(n))
}

func (m *Metrics) StartupLoadFailed() {
	if m == nil {
		return
	}
	m.StartupLoadFailures.Inc()
}

func (m *Metrics) ObserveIngestMessage(status string) {
	if m == nil {
		return
	}
	m.IngestMessagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// ForgetIndex drops every per-index series for a deleted index.
func (m *Metrics) ForgetIndex(index string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"index": index}
	m.DocsIngestedTotal.DeletePartialMatch(labels)
	m.CommitsTotal.DeletePartialMatch(labels)
	m.CommitDuration.DeletePartialMatch(labels)
	m.IndexGeneration.DeletePartialMatch(labels)
	m.PendingDocs.DeletePartialMatch(labels)
	m.IndexDocCount.DeletePartialMatch(labels)
}

// Handler returns the Prometheus scrape HTTP handler for the default
// gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a scrape handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
