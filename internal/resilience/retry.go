package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls bounded retries with backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff, MaxBackoff, Multiplier and JitterFraction shape the
	// built-in exponential schedule used when Backoff is nil.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64

	// Backoff overrides the built-in schedule. It receives the 1-based
	// number of the retry about to happen.
	Backoff func(retry int) time.Duration

	// Sleep waits between attempts. Default: a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// ShouldRetry decides whether an error is worth another attempt.
	// Default: IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry is called before each wait with the retry number and error.
	OnRetry func(retry int, err error)
}

// DefaultRetryConfig returns the schedule used for storage writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts {
			return zero, lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if err := cfg.Sleep(ctx, cfg.Backoff(attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Backoff == nil {
		schedule := cfg
		cfg.Backoff = func(retry int) time.Duration { return computeBackoff(retry, schedule) }
	}
	return cfg
}

func computeBackoff(retry int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(retry-1))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.JitterFraction
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(component, operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
}
