package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/dexroute/internal/domain/jobstore"
)

const maxRetryDelay = 24 * time.Hour

// RetryDelay returns how long to wait before redelivering a job that failed on its attempt-th
// delivery (1-based). Exponential backoff waits delay·2^(attempt-1); fixed waits delay.
func RetryDelay(b jobstore.Backoff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Delay <= 0 {
		return 0
	}
	var policy backoff.BackOff
	switch b.Type {
	case jobstore.BackoffFixed:
		policy = backoff.NewConstantBackOff(b.Delay)
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = b.Delay
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxInterval = maxRetryDelay
		exp.Reset()
		policy = exp
	}
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
		if delay == backoff.Stop {
			return maxRetryDelay
		}
	}
	return delay
}
