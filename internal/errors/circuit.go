package errors

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures a circuit breaker around one external service.
type BreakerConfig struct {
	// Name identifies the protected service in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32

	// ResetTimeout is how long the circuit stays open before a trial request.
	ResetTimeout time.Duration

	// HalfOpenRequests is the number of trial requests allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns 5 failures / 30s reset.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Breaker fails fast while a remote planner, reranker or embedder is down.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a circuit breaker. Zero fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}

	maxFailures := cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Caller cancellation says nothing about the remote service.
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Name returns the protected service name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs fn through the breaker.
// An open circuit returns an ERR_305_CIRCUIT_OPEN error without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return b.mapErr(err)
}

// BreakerExecute runs a value-returning fn through the breaker.
func BreakerExecute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, b.mapErr(err)
	}
	v, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func (b *Breaker) mapErr(err error) error {
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return New(ErrCodeCircuitOpen, "circuit open for "+b.cb.Name(), err)
	}
	return err
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	return GetCode(err) == ErrCodeCircuitOpen
}
