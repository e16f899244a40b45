// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/equipool/pkg/errors"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig is a conservative general purpose schedule.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// DaemonConfig is tuned for coin daemon RPC. Template refreshes run every
// second, so the schedule gives up well before the next poll.
func DaemonConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// BrokerConfig is tuned for Kafka publishes.
func BrokerConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// StoreConfig is tuned for Redis and PostgreSQL writes.
func StoreConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"attempts exhausted").
		WithContext("max_attempts", config.MaxAttempts)
}

func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	d = min(d, float64(c.MaxDelay))
	if c.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
