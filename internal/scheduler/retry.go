package scheduler

import (
	"fmt"
	"time"
)

// RetryStrategy decides how long a failed task waits before it is eligible again
type RetryStrategy interface {
	// NextRetry returns the delay after the given failure, counted from zero
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with a cap
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns the 30s x2 backoff capped at 30 minutes
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: defaultBackoffInitial,
		MaxDelay:     defaultBackoffMax,
		Multiplier:   defaultBackoffFactor,
	}
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Validate checks the backoff parameters
func (s *ExponentialBackoff) Validate() error {
	if s.InitialDelay < 0 {
		return fmt.Errorf("backoff initial delay must not be negative")
	}
	if s.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", s.Multiplier)
	}
	if s.MaxDelay > 0 && s.MaxDelay < s.InitialDelay {
		return fmt.Errorf("backoff max delay %s is below initial delay %s", s.MaxDelay, s.InitialDelay)
	}
	return nil
}
