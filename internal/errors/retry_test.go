package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterRetryableError(t *testing.T) {
	// Given: a model call that times out twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeNetworkTimeout, "timeout", nil)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: succeeds on the third attempt
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a call that is always unavailable
	attempts := 0
	fn := func() error {
		attempts++
		return ModelUnavailable("m1", errors.New("connection refused"))
	}

	// When: retrying with two retries
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: fails with the wrapped cause after initial + 2 retries
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.Equal(t, 3, attempts)
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	// Given: a config error, which retrying cannot fix
	attempts := 0
	fn := func() error {
		attempts++
		return ConfigError("bad weights", nil)
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: exactly one attempt and the original error is returned
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrCodeConfigInvalid, GetCode(err))
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempts int32
	fn := func() error {
		atomic.AddInt32(&attempts, 1)
		return nil
	}

	// When: retrying
	err := Retry(ctx, fastRetry(), fn)

	// Then: context error, no attempts
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&attempts))
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	// Given: a function that succeeds after one transient failure
	calls := 0
	fn := func() ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, New(ErrCodeNetworkTimeout, "slow", nil)
		}
		return []float32{1, 2}, nil
	}

	// When: retrying
	v, err := RetryWithResult(context.Background(), fastRetry(), fn)

	// Then: the value of the successful attempt is returned
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}

func TestDefaultRetryConfig_HasSensibleDefaults(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Greater(t, cfg.MaxDelay, cfg.InitialDelay)
	assert.True(t, cfg.Jitter)
}
