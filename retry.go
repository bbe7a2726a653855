package outpost

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for remote calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial delay before the first retry.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is multiplied to the backoff after each retry.
	// Default: 2.0
	BackoffMultiplier float64

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.1
	Jitter float64

	// RetryIf determines if an error should be retried.
	// If nil, IsRetryable is used.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           IsRetryable,
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a retryer, applying defaults for zero values.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = IsRetryable
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, exhausts attempts, fails permanently, or the
// context is canceled. It returns the last error.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !r.config.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(r.backoff(attempt)):
		}
	}
	return lastErr
}

func (r *Retryer) backoff(attempt int) time.Duration {
	d := float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffMultiplier, float64(attempt))
	if d > float64(r.config.MaxBackoff) {
		d = float64(r.config.MaxBackoff)
	}
	if r.config.Jitter > 0 {
		delta := d * r.config.Jitter
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}
