// Package metrics bundles the Prometheus collectors exported by the watcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for fetches, probes and cycles.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry             *prometheus.Registry
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	RetriesTotal         prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	CatalogItemsTotal    *prometheus.CounterVec
	CatalogFallbackTotal prometheus.Counter
	QuotesTotal          *prometheus.CounterVec
	QuoteCacheHitsTotal  prometheus.Counter
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	OpportunitiesTotal   prometheus.Counter
	AlertsTotal          *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_requests_total",
			Help: "Total HTTP requests issued, by target.",
		},
		[]string{"target"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watcher_request_duration_seconds",
			Help:    "HTTP request latency, by target.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watcher_retries_total",
			Help: "Total number of catalog fetch retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_errors_total",
			Help: "Total number of request errors by target and type.",
		},
		[]string{"target", "error_type"},
	)
	catalogItems := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_catalog_items_total",
			Help: "Catalog items extracted, by strategy.",
		},
		[]string{"strategy"},
	)
	fallback := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watcher_catalog_fallback_total",
			Help: "Catalog fetches that fell back to the sample set.",
		},
	)
	quotes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_quotes_total",
			Help: "Marketplace quotes by marketplace and result.",
		},
		[]string{"marketplace", "result"},
	)
	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watcher_quote_cache_hits_total",
			Help: "Marketplace quotes served from the quote cache.",
		},
	)
	cycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_cycles_total",
			Help: "Cycles by terminal status.",
		},
		[]string{"status"},
	)
	cycleDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watcher_cycle_duration_seconds",
			Help:    "Wall time of completed cycles.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)
	opportunities := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watcher_opportunities_total",
			Help: "Opportunities produced by the evaluator.",
		},
	)
	alerts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_alerts_total",
			Help: "Alerts by outcome (sent, deduped, capped, failed).",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, catalogItems, fallback,
		quotes, cacheHits, cycles, cycleDuration, opportunities, alerts)

	return &Metrics{
		Registry:             registry,
		RequestsTotal:        requests,
		RequestDuration:      requestDuration,
		RetriesTotal:         retries,
		ErrorsTotal:          errorsTotal,
		CatalogItemsTotal:    catalogItems,
		CatalogFallbackTotal: fallback,
		QuotesTotal:          quotes,
		QuoteCacheHitsTotal:  cacheHits,
		CyclesTotal:          cycles,
		CycleDuration:        cycleDuration,
		OpportunitiesTotal:   opportunities,
		AlertsTotal:          alerts,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(target string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(target).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(target string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(target).Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(target, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(target, errorType).Inc()
}

// AddCatalogItems counts items extracted by a strategy.
func (m *Metrics) AddCatalogItems(strategy string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CatalogItemsTotal.WithLabelValues(strategy).Add(float64(n))
}

// IncFallback counts a fallback to the sample set.
func (m *Metrics) IncFallback() {
	if m == nil {
		return
	}
	m.CatalogFallbackTotal.Inc()
}

// IncQuote counts a marketplace quote by result (available, unavailable, error).
func (m *Metrics) IncQuote(marketplace, result string) {
	if m == nil {
		return
	}
	m.QuotesTotal.WithLabelValues(marketplace, result).Inc()
}

// IncQuoteCacheHit counts a quote served from cache.
func (m *Metrics) IncQuoteCacheHit() {
	if m == nil {
		return
	}
	m.QuoteCacheHitsTotal.Inc()
}

// ObserveCycle records the terminal status of a cycle and, for completed ones, its duration.
func (m *Metrics) ObserveCycle(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.CycleDuration.Observe(d.Seconds())
	}
}

// AddOpportunities counts evaluator output.
func (m *Metrics) AddOpportunities(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OpportunitiesTotal.Add(float64(n))
}

// IncAlert counts an alert outcome.
func (m *Metrics) IncAlert(outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(outcome).Inc()
}
