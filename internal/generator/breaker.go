package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/starford/veritas/internal/apperr"
)

// BreakerConfig tunes the circuit around an external generator.
type BreakerConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenFor             time.Duration `yaml:"open_for"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		OpenFor:             30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Breaker bounds each call by Timeout and stops calling a failing generator
// until OpenFor has passed. Rejected calls fail with ErrGeneratorUnavailable.
type Breaker struct {
	inner   Generator
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreaker wraps inner.
func NewBreaker(inner Generator, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("generator: circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Breaker{inner: inner, cb: cb, timeout: cfg.Timeout}
}

// State reports the circuit state ("closed", "open", "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Generate(ctx context.Context, req Request) (Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		resp, err := b.inner.Generate(callCtx, req)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("generator: %w: %w", apperr.ErrGeneratorTimeout, err)
		}
		return resp, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Response{}, fmt.Errorf("generator: %w: %w", apperr.ErrGeneratorUnavailable, err)
	case err != nil:
		return Response{}, err
	}
	return out.(Response), nil
}
