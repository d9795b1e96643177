// Package retry provides retry mechanisms with exponential backoff for blockseal services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/blockseal/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, if set, runs after a retryable failure and before the next
	// attempt. attempt is the zero-based index of the attempt that failed.
	OnRetry func(attempt int, err error)

	// ShouldRetry, if set, further restricts which retryable errors are
	// retried. Errors for which it returns false are returned as-is.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration optimized for network operations
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// CacheConfig returns retry configuration for nonce cache round trips.
// Cache misses are cheap to recover from, so it gives up quickly.
func CacheConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// SearchConfig returns retry configuration for re-running an exhausted nonce
// search. There is no delay between attempts; callers pair it with an
// OnRetry hook that widens the search budget.
func SearchConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   0,
		MaxDelay:    0,
		Multiplier:  1.0,
		Jitter:      false,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}
	maxAttempts := max(config.MaxAttempts, 1)

	for attempt := range maxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			return zero, err
		}

		// No delay after the last attempt
		if attempt == maxAttempts-1 {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}

		delay := config.calculateDelay(attempt)
		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	wrappedErr := errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", maxAttempts)

	return zero, wrappedErr
}

// calculateDelay calculates the delay for the given attempt using exponential backoff
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// Up to 10% of the delay
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}
