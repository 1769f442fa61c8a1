package session

import (
	"fmt"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryPolicy bounds a connect loop. MaxAttempts <= 0 retries until the
// context ends.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (p RetryPolicy) Validate() error {
	if p.Backoff.InitialDelay < 0 || p.Backoff.MaxDelay < 0 {
		return fmt.Errorf("session: negative backoff delay")
	}
	if p.Backoff.MaxDelay > 0 && p.Backoff.InitialDelay > p.Backoff.MaxDelay {
		return fmt.Errorf("session: initial delay %s exceeds max delay %s", p.Backoff.InitialDelay, p.Backoff.MaxDelay)
	}
	return nil
}

// ShouldRetry reports whether another attempt follows attempt (1-based).
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt < p.MaxAttempts
}
