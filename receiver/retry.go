package receiver

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the wait before a retry. The attempt parameter is
// one-based (1 for the first retry).
type BackoffFunc func(attempt int) time.Duration

// NoBackoff retries immediately.
func NoBackoff() BackoffFunc {
	return func(int) time.Duration { return 0 }
}

// ConstantBackoff waits delay before every retry. The jitter parameter
// controls randomization: 0.0 = none, 0.2 = ±20%.
func ConstantBackoff(delay time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(int) time.Duration {
		return applyJitter(delay)
	}
}

// ExponentialBackoff waits initial * factor^(attempt-1), capped at max
// (0 = no cap), with jitter applied.
func ExponentialBackoff(initial time.Duration, factor float64, max time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(attempt int) time.Duration {
		d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
		if max > 0 && d > max {
			d = max
		}
		return applyJitter(d)
	}
}

func newApplyJitterFunc(jitter float64) func(time.Duration) time.Duration {
	jitter = min(max(jitter, 0), 1)
	return func(d time.Duration) time.Duration {
		if jitter == 0 {
			return d
		}
		return time.Duration(float64(d) * (1 + rand.Float64()*2*jitter - jitter))
	}
}

// ShouldRetryFunc decides whether a failed attempt is retried.
type ShouldRetryFunc func(error) bool

// ShouldRetry retries the listed errors, or every error when none is given.
func ShouldRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return true }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// ShouldNotRetry retries everything except the listed errors.
func ShouldNotRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return false }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}
