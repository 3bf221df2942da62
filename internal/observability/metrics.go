package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemo"

// Metrics holds the memory layer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	embeddingCache *prometheus.CounterVec
	searchCache    *prometheus.CounterVec
	invalidations  prometheus.Counter
	operations     *prometheus.CounterVec
	backend        *prometheus.HistogramVec
	fallback       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		embeddingCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_lookups_total",
			Help:      "Embedding cache lookups by result.",
		}, []string{"result"}),
		searchCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_cache_lookups_total",
			Help:      "Search result cache lookups by result.",
		}, []string{"result"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_cache_invalidated_entries_total",
			Help:      "Search cache entries dropped by per-user invalidation.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Memory manager operations by outcome.",
		}, []string{"op", "outcome"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_operation_seconds",
			Help:      "Latency of store backend calls.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend", "op", "outcome"}),
		fallback: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "1 when the manager runs on its fallback store.",
		}),
	}
	reg.MustRegister(m.embeddingCache, m.searchCache, m.invalidations, m.operations, m.backend, m.fallback)
	return m
}

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// EmbeddingCacheLookup counts an embedding cache hit or miss.
func (m *Metrics) EmbeddingCacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.embeddingCache.WithLabelValues(result(hit)).Inc()
}

// SearchCacheLookup counts a search cache hit or miss.
func (m *Metrics) SearchCacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.searchCache.WithLabelValues(result(hit)).Inc()
}

// SearchCacheInvalidated counts n dropped search cache entries.
func (m *Metrics) SearchCacheInvalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invalidations.Add(float64(n))
}

// Operation counts a manager operation.
func (m *Metrics) Operation(op string, ok bool) {
	if m == nil {
		return
	}
	o := "ok"
	if !ok {
		o = "failed"
	}
	m.operations.WithLabelValues(op, o).Inc()
}

// ObserveBackend records the latency of a backend call started at start.
func (m *Metrics) ObserveBackend(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.backend.WithLabelValues(backend, op, outcome(err)).Observe(time.Since(start).Seconds())
}

// SetFallback reports whether the fallback store is active.
func (m *Metrics) SetFallback(active bool) {
	if m == nil {
		return
	}
	if active {
		m.fallback.Set(1)
	} else {
		m.fallback.Set(0)
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
