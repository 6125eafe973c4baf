// Package metrics holds the Prometheus collectors of the wallet service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orangewallet"

// Refresh outcomes.
const (
	RefreshFresh        = "fresh"
	RefreshCached       = "cached"
	RefreshRateLimited  = "rate_limited"
	RefreshUnavailable  = "indexer_unavailable"
	RefreshRejected     = "rejected"
	TransferCompleted   = "completed"
	TransferRejected    = "rejected"
	TransferConflicted  = "conflict"
	IndexerStatusOK     = "ok"
	IndexerStatusError  = "error"
	IndexerStatusRetry  = "retry"
	IndexerStatusClient = "client_error"
)

type Metrics struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	indexerRequests *prometheus.CounterVec
	indexerDuration prometheus.Summary
	transfersTotal  *prometheus.CounterVec
	transferredSats prometheus.Counter
	ledgerEntries   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_total",
		Help:      "Balance refresh requests by outcome",
	}, []string{"outcome"})
	m.indexerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexer_requests_total",
		Help:      "Balance indexer requests by status",
	}, []string{"status"})
	m.indexerDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  namespace,
		Name:       "indexer_lookup_duration_seconds",
		Help:       "Time spent on one credential lookup including retries and xpub scans",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	m.transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Internal transfers by outcome",
	}, []string{"outcome"})
	m.transferredSats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transferred_sats_total",
		Help:      "Satoshis moved by completed internal transfers",
	})
	m.ledgerEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_entries_total",
		Help:      "Committed ledger entries by kind",
	}, []string{"kind"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshTotal, m.indexerRequests, m.indexerDuration,
		m.transfersTotal, m.transferredSats, m.ledgerEntries,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IndexerRequest(status string) {
	if m == nil {
		return
	}
	m.indexerRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) IndexerLookup(d time.Duration) {
	if m == nil {
		return
	}
	m.indexerDuration.Observe(d.Seconds())
}

func (m *Metrics) Transfer(outcome string, sats int64) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
	if outcome == TransferCompleted && sats > 0 {
		m.transferredSats.Add(float64(sats))
	}
}

func (m *Metrics) LedgerAppended(kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
