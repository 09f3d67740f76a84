package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig defines the bounded backoff used around package installer
// adapter calls. Only errors marked retryable (adapter_unavailable) are
// retried; everything else returns immediately.
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
	Jitter          bool          `json:"jitter"`
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

type RetryableFunc func() error

// RetryWithContext executes fn, retrying retryable failures with
// exponential backoff until the attempt budget or the context runs out.
func RetryWithContext(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := interval
			if config.Jitter {
				wait = addJitter(interval)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			interval = time.Duration(float64(interval) * config.Multiplier)
			if interval > config.MaxInterval {
				interval = config.MaxInterval
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func isRetryable(err error) bool {
	if ce := AsCompileError(err); ce != nil {
		return ce.IsRetryable()
	}
	return false
}

// addJitter adds up to 25% random jitter to avoid synchronized retries.
func addJitter(interval time.Duration) time.Duration {
	return interval + time.Duration(rand.Float64()*0.25*float64(interval))
}
