package queue

import (
	"math/rand/v2"
	"time"

	"github.com/rezkam/renderflow/internal/config"
)

// retryDelay computes the wait before the given attempt is retried.
// attempt is the number of attempts already made (>= 1).
//
// A uniform jitter in [0, delay/10) is added so that a burst of jobs
// failing together does not retry in lockstep, then the result is clamped
// to the configured maximum.
func retryDelay(cfg config.QueueConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch cfg.BackoffStrategy {
	case "fixed":
		delay = cfg.BaseDelay
	case "linear":
		delay = cfg.BaseDelay * time.Duration(attempt)
	default: // exponential
		shift := attempt - 1
		if shift > 32 {
			shift = 32
		}
		delay = cfg.BaseDelay << shift
	}

	if delay <= 0 || delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if jitterSpan := delay / 10; jitterSpan > 0 {
		delay += rand.N(jitterSpan)
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
