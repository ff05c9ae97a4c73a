// Package telemetry records retrieval metrics for Prometheus and keeps a
// small local summary for status reporting.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LatencyBucket is a coarse latency class used in local summaries.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one completed search.
type QueryEvent struct {
	Query       string
	Category    string
	ResultCount int
	Latency     time.Duration
	Failed      bool
}

// Snapshot is a point-in-time copy of the local summary.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	FailedQueries       int64                   `json:"failed_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	CategoryCounts      map[string]int64        `json:"category_counts"`
	Fallbacks           map[string]int64        `json:"fallbacks"`
	SkippedModels       map[string]int64        `json:"skipped_models"`
	ExcludedPositions   int64                   `json:"excluded_positions"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	RecentZeroResults   []string                `json:"recent_zero_results"`
	Since               time.Time               `json:"since"`
}

// Metrics collects retrieval metrics. A nil *Metrics is a valid no-op
// collector.
type Metrics struct {
	registry *prometheus.Registry

	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	strategyLatency *prometheus.HistogramVec
	strategyErrors  *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	skippedModels   *prometheus.CounterVec
	excluded        prometheus.Counter
	results         prometheus.Histogram

	mu         sync.Mutex
	local      Snapshot
	zeroRecent *CircularBuffer[string]
}

// NewMetrics creates a collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search queries by category and outcome.",
		}, []string{"category", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "query_duration_seconds",
			Help:      "End-to-end search latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		strategyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "strategy_duration_seconds",
			Help:      "Latency of one retrieval strategy.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"strategy"}),
		strategyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "strategy_errors_total",
			Help:      "Strategies that failed or timed out.",
		}, []string{"strategy"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "fallbacks_total",
			Help:      "Fallbacks taken, by kind.",
		}, []string{"kind"}),
		skippedModels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "skipped_models_total",
			Help:      "Embedding models skipped because they were unavailable.",
		}, []string{"model_id"}),
		excluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "causality_excluded_total",
			Help:      "Candidates removed by the causality filter.",
		}),
		results: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memnon",
			Subsystem: "search",
			Name:      "results_returned",
			Help:      "Number of results returned per query.",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100},
		}),
		zeroRecent: NewCircularBuffer[string](50),
	}
	reg.MustRegister(m.queries, m.queryDuration, m.strategyLatency, m.strategyErrors,
		m.fallbacks, m.skippedModels, m.excluded, m.results)
	m.local = emptySnapshot()
	return m
}

func emptySnapshot() Snapshot {
	return Snapshot{
		CategoryCounts:      make(map[string]int64),
		Fallbacks:           make(map[string]int64),
		SkippedModels:       make(map[string]int64),
		LatencyDistribution: make(map[LatencyBucket]int64),
		Since:               time.Now(),
	}
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordQuery records a completed search.
func (m *Metrics) RecordQuery(e QueryEvent) {
	if m == nil {
		return
	}
	outcome := "ok"
	if e.Failed {
		outcome = "error"
	} else if e.ResultCount == 0 {
		outcome = "empty"
	}
	m.queries.WithLabelValues(e.Category, outcome).Inc()
	m.queryDuration.WithLabelValues(e.Category).Observe(e.Latency.Seconds())
	if !e.Failed {
		m.results.Observe(float64(e.ResultCount))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.TotalQueries++
	m.local.CategoryCounts[e.Category]++
	m.local.LatencyDistribution[LatencyToBucket(e.Latency)]++
	switch {
	case e.Failed:
		m.local.FailedQueries++
	case e.ResultCount == 0:
		m.local.ZeroResultCount++
		m.zeroRecent.Add(e.Query)
	}
}

// ObserveStrategy records one strategy execution.
func (m *Metrics) ObserveStrategy(strategy string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.strategyLatency.WithLabelValues(strategy).Observe(d.Seconds())
	if failed {
		m.strategyErrors.WithLabelValues(strategy).Inc()
	}
}

// RecordFallback counts a fallback such as "planner" or "rerank".
func (m *Metrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.local.Fallbacks[kind]++
	m.mu.Unlock()
}

// RecordSkippedModel counts a model skipped for a query.
func (m *Metrics) RecordSkippedModel(modelID string) {
	if m == nil {
		return
	}
	m.skippedModels.WithLabelValues(modelID).Inc()
	m.mu.Lock()
	m.local.SkippedModels[modelID]++
	m.mu.Unlock()
}

// RecordExcluded counts candidates dropped by the causality filter.
func (m *Metrics) RecordExcluded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.excluded.Add(float64(n))
	m.mu.Lock()
	m.local.ExcludedPositions += int64(n)
	m.mu.Unlock()
}

// Snapshot returns a copy of the local summary.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return emptySnapshot()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.local
	s.CategoryCounts = copyMap(m.local.CategoryCounts)
	s.Fallbacks = copyMap(m.local.Fallbacks)
	s.SkippedModels = copyMap(m.local.SkippedModels)
	s.LatencyDistribution = copyMap(m.local.LatencyDistribution)
	s.RecentZeroResults = m.zeroRecent.Items()
	return s
}

// Reset clears the local summary. Prometheus counters are not reset.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = emptySnapshot()
	m.zeroRecent.Clear()
}

func copyMap[K comparable](in map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer; capacity <= 0 uses 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{items: make([]T, capacity), capacity: capacity}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Clear empties the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}
