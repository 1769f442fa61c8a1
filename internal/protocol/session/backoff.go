package session

import (
	"math"
	"math/rand"
	"time"
)

// maxUncappedDelay bounds the exponential when MaxDelay is unset.
const maxUncappedDelay = time.Hour

// NextBackoffDelay returns the wait after failed attempt N (1-based). With
// Jitter the delay is scaled by a factor in [0.5, 1.5); a nil rng uses 0.5.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return jitter(cfg, float64(cfg.InitialDelay), rng)
	}
	mult := math.Max(cfg.Multiplier, 1.0)
	ceiling := float64(cfg.MaxDelay)
	if ceiling <= 0 {
		ceiling = float64(maxUncappedDelay)
	}
	delay := math.Min(float64(cfg.InitialDelay)*math.Pow(mult, float64(attempt-1)), ceiling)
	return jitter(cfg, delay, rng)
}

// Delay is NextBackoffDelay for this policy.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	return NextBackoffDelay(p.Backoff, attempt, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if !cfg.Jitter {
		return time.Duration(delay)
	}
	f := 0.5
	if rng != nil {
		f += rng.Float64()
	}
	return time.Duration(delay * f)
}
