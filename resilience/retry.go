package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned by Retry when every attempt failed.
var ErrRetriesExhausted = errors.New("all retry attempts failed")

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// JitterMax is the upper bound of the uniform random jitter added to
	// every backoff, preventing callers that failed together from retrying
	// in lockstep. Zero disables jitter.
	JitterMax time.Duration

	// Retryable determines if an error is worth another attempt.
	Retryable func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMax:         500 * time.Millisecond,
		Retryable:         DefaultRetryable,
	}
}

// DefaultRetryable determines if an error is retryable by default
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A tripped breaker already decided this operation must not reach the
	// store. Retrying would defeat it.
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with bounded retries and exponential backoff. It is an
// explicit loop: the attempt count and the backoff schedule are fixed up
// front, and the wait between attempts is cancellable via ctx.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoffFor(attempt, cfg)):
		}
	}

	return fmt.Errorf("%w (%d attempts): %w", ErrRetriesExhausted, cfg.MaxAttempts, lastErr)
}

// backoffFor calculates the backoff duration before the attempt following
// attempt (zero based).
func backoffFor(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	d := time.Duration(backoff)
	if cfg.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.JitterMax)))
	}
	return d
}
