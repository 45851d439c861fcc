// Package retry decides whether and when a failed operation runs again.
package retry

import (
	"context"
	"math"
	"time"

	"sshpool/internal/failure"
)

// Strategy decides about the next attempt after attempt number attempt
// (1-based) failed with lastErr
type Strategy interface {
	ShouldRetry(attempt int, lastErr error) bool
	Delay(attempt int) time.Duration
}

// NoRetry never retries
type NoRetry struct{}

func (NoRetry) ShouldRetry(int, error) bool { return false }
func (NoRetry) Delay(int) time.Duration     { return 0 }

// Defaults applied by ExponentialBackoff when fields are left zero
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
	DefaultMultiplier = 2.0
)

// ExponentialBackoff retries retryable failures up to MaxRetries times,
// waiting BaseDelay * Multiplier^(attempt-1), capped at MaxDelay when set
type ExponentialBackoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewExponentialBackoff fills unset fields with the defaults
func NewExponentialBackoff(maxRetries int, base time.Duration, multiplier float64) ExponentialBackoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	return ExponentialBackoff{MaxRetries: maxRetries, BaseDelay: base, Multiplier: multiplier}
}

func (b ExponentialBackoff) ShouldRetry(attempt int, lastErr error) bool {
	if attempt > b.MaxRetries {
		return false
	}
	return lastErr == nil || failure.CategoryOf(lastErr).Retryable()
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}
	d := float64(b.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Floor(d))
}

// Allowed applies the idempotency gate in front of the strategy
func Allowed(s Strategy, idempotent bool, attempt int, lastErr error) bool {
	if !idempotent || s == nil {
		return false
	}
	return s.ShouldRetry(attempt, lastErr)
}

// Sleep waits for d or until ctx ends, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
