// Package retry provides a generic backoff-retry executor for transient
// API failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsc_retries_total",
		Help: "Total number of retry attempts",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gsc_retry_backoff_seconds",
		Help:    "Backoff duration before each retry attempt",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsc_retry_exhausted_total",
		Help: "Total number of operations that exhausted all retry attempts",
	})
)

// ErrContextCancelled is returned when the context is cancelled during a
// backoff sleep.
var ErrContextCancelled = errors.New("context cancelled")

// RateLimitedError signals that the API asked us to wait a specific amount
// of time. The retry loop sleeps exactly Wait instead of the exponential
// backoff formula.
type RateLimitedError struct {
	Wait time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// Config holds the configuration for the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. Retry i (0-indexed)
	// waits BaseDelay * 2^i.
	BaseDelay time.Duration

	// IsRetryable decides whether an error is worth retrying. A nil
	// predicate retries everything.
	IsRetryable func(error) bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
	}
}

// Do invokes op, retrying with plain exponential backoff on retryable
// errors. Rate-limited errors sleep exactly the signaled wait. Exhausting
// retries returns the last error unchanged.
func Do(ctx context.Context, cfg Config, op func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if cfg.IsRetryable != nil && !cfg.IsRetryable(err) {
			return lastErr
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		delay := backoffFor(cfg, attempt, err)
		retriesTotal.Inc()
		retryBackoffSeconds.Observe(delay.Seconds())

		log.Debug().
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}

	retryExhaustedTotal.Inc()
	log.Warn().
		Int("max_retries", cfg.MaxRetries).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return lastErr
}

// backoffFor returns the sleep before retry attempt+1. A RateLimitedError
// overrides the exponential formula with the wait the API signaled.
func backoffFor(cfg Config, attempt int, err error) time.Duration {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.Wait
	}
	return cfg.BaseDelay * (1 << attempt)
}
