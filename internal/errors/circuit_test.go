package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a breaker tripping after 3 consecutive failures
	b := NewBreaker(BreakerConfig{Name: "planner", MaxFailures: 3, ResetTimeout: time.Second})

	// When: three calls fail
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errors.New("boom") })
	}

	// Then: the circuit is open and calls fail fast
	assert.Equal(t, "open", b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitOpen(err))
	assert.True(t, IsRetryable(err))
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	// Given: an open breaker with a short reset timeout
	b := NewBreaker(BreakerConfig{Name: "reranker", MaxFailures: 1, ResetTimeout: 30 * time.Millisecond})
	_ = b.Execute(func() error { return errors.New("boom") })
	require.Equal(t, "open", b.State())

	// When: waiting past the timeout and succeeding once
	time.Sleep(50 * time.Millisecond)
	err := b.Execute(func() error { return nil })

	// Then: the circuit closes again
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	// Given: a breaker tripping after one failure
	b := NewBreaker(BreakerConfig{Name: "planner", MaxFailures: 1})

	// When: the caller cancels
	_ = b.Execute(func() error { return context.Canceled })

	// Then: the circuit stays closed
	assert.Equal(t, "closed", b.State())
}

func TestBreakerExecute_ReturnsValue(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "embedder"})

	v, err := BreakerExecute(b, func() ([]float64, error) {
		return []float64{0.5}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, v)
	assert.Equal(t, "embedder", b.Name())
}

func TestNewBreaker_DefaultValues(t *testing.T) {
	// Given: zero config
	b := NewBreaker(BreakerConfig{Name: "x"})

	// When: four failures (below the default of 5)
	for i := 0; i < 4; i++ {
		_ = b.Execute(func() error { return errors.New("boom") })
	}

	// Then: still closed
	assert.Equal(t, "closed", b.State())
}
