package models

import (
	"time"

	"github.com/ably-labs/models-sdk-go/internal/retry"
)

// RetryStrategy computes how long to wait before the attempt-th retry of a
// snapshot or history fetch. Returning RetryGiveUp abandons the operation,
// surfacing its last error to the caller.
type RetryStrategy func(attempt int) time.Duration

// RetryGiveUp signals that no further attempts should be made.
const RetryGiveUp = retry.GiveUp

// FixedRetryStrategy retries at a constant interval, up to maxAttempts
// (or indefinitely when maxAttempts <= 0).
func FixedRetryStrategy(interval time.Duration, maxAttempts int) RetryStrategy {
	return RetryStrategy(retry.Fixed(interval, maxAttempts))
}

// ExponentialRetryStrategy retries with exponentially increasing delay,
// capped at maxDelay, up to maxAttempts (or indefinitely when
// maxAttempts <= 0).
func ExponentialRetryStrategy(initial time.Duration, factor float64, maxDelay time.Duration, maxAttempts int) RetryStrategy {
	return RetryStrategy(retry.Exponential(initial, factor, maxDelay, maxAttempts))
}

// DefaultRetryStrategy retries once a second, indefinitely.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy(retry.DefaultStrategy())
}

func (r RetryStrategy) toInternal() retry.Strategy {
	if r == nil {
		return retry.DefaultStrategy()
	}
	return retry.Strategy(r)
}
