package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// exponential builds the jittered schedule behind a policy. A zero maxElapsed
// never gives up on time alone; MaxAttempts still bounds the schedule.
func exponential(p Policy) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	)
}

// CalculateBackoffDuration is the un-jittered delay before retry number attempt,
// as reported to retry callbacks and logs.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt-1))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}
