package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyToBucket(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want LatencyBucket
	}{
		{5 * time.Millisecond, BucketP10},
		{10 * time.Millisecond, BucketP50},
		{75 * time.Millisecond, BucketP100},
		{250 * time.Millisecond, BucketP500},
		{2 * time.Second, BucketP1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyToBucket(tt.d), tt.d.String())
	}
}

func TestMetrics_LocalSummary(t *testing.T) {
	// Given: a collector with a mix of outcomes
	m := NewMetrics()
	m.RecordQuery(QueryEvent{Query: "who is Alex", Category: "character", ResultCount: 3, Latency: 5 * time.Millisecond})
	m.RecordQuery(QueryEvent{Query: "the blue door", Category: "generic", ResultCount: 0, Latency: 20 * time.Millisecond})
	m.RecordQuery(QueryEvent{Query: "x", Category: "generic", Failed: true, Latency: time.Millisecond})
	m.RecordFallback("planner")
	m.RecordFallback("planner")
	m.RecordSkippedModel("bge")
	m.RecordExcluded(4)
	m.RecordExcluded(0)

	// When: taking a snapshot
	s := m.Snapshot()

	// Then: counts reflect every event
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.Equal(t, int64(1), s.FailedQueries)
	assert.Equal(t, int64(1), s.ZeroResultCount)
	assert.Equal(t, int64(2), s.CategoryCounts["generic"])
	assert.Equal(t, int64(2), s.Fallbacks["planner"])
	assert.Equal(t, int64(1), s.SkippedModels["bge"])
	assert.Equal(t, int64(4), s.ExcludedPositions)
	assert.Equal(t, []string{"the blue door"}, s.RecentZeroResults)

	m.Reset()
	assert.Zero(t, m.Snapshot().TotalQueries)
}

func TestMetrics_PrometheusExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveStrategy("lexical", 3*time.Millisecond, false)
	m.ObserveStrategy("vector:minilm", time.Second, true)
	m.RecordQuery(QueryEvent{Category: "event", ResultCount: 2, Latency: time.Millisecond})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `memnon_search_queries_total{category="event",outcome="ok"} 1`)
	assert.Contains(t, string(body), `memnon_search_strategy_errors_total{strategy="vector:minilm"} 1`)
	assert.Contains(t, string(body), "memnon_search_strategy_duration_seconds_bucket")
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordQuery(QueryEvent{})
		m.ObserveStrategy("lexical", time.Millisecond, false)
		m.RecordFallback("rerank")
		m.RecordSkippedModel("x")
		m.RecordExcluded(1)
		m.Reset()
	})
	assert.Nil(t, m.Registry())
	assert.Zero(t, m.Snapshot().TotalQueries)
}

func TestCircularBuffer_EvictsOldest(t *testing.T) {
	b := NewCircularBuffer[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, b.Items())
	b.Clear()
	assert.Empty(t, b.Items())
}

func TestStartSpan_NoopWithoutSDK(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "search")
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, assert.AnError) })
}
