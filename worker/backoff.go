package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff strategy names accepted in config and worker overrides.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffNone        = "none"
)

// retryDelay computes the wait before the given attempt is retried.
// Attempt counts completed tries, so the first retry sees attempt 1.
// Exponential doubles per attempt, linear grows by the base delay; a
// positive offset adds random jitter in [0, offset), and the result is
// clamped to maxDelay.
func retryDelay(strategy string, attempt int, base, offset, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch strategy {
	case BackoffNone:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				delay = maxDelay
				break
			}
		}
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if offset > 0 {
		delay += time.Duration(rand.Int64N(int64(offset)))
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
