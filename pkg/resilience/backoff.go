// backoff.go provides retry with exponential backoff and jitter for
// transient transport failures.
//
// Rural wireless links drop sends routinely; a failed send is the normal
// operating envelope, not an error to surface. Retries back off
// exponentially with jitter so that agents reconnecting after a shared
// outage do not retransmit in lockstep.
//
// The parameters are operational tuning values with no validated defaults
// for real field-connectivity characteristics, so they come from
// configuration rather than constants.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// backoffConfig controls retry behavior for a single envelope transmission.
type backoffConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// retryOp executes fn with exponential backoff + jitter. It returns nil as
// soon as fn succeeds, the last error once the retry budget is exhausted,
// or the context error if cancelled mid-backoff.
func retryOp(ctx context.Context, cfg backoffConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < cfg.maxRetries {
			select {
			case <-time.After(backoffDelay(cfg, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// backoffDelay computes the delay for a given retry attempt using
// exponential backoff with jitter: delay = baseDelay * 2^attempt, capped at
// maxDelay, plus random([0, baseDelay)).
func backoffDelay(cfg backoffConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt) // baseDelay * 2^attempt
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	return delay + jitter
}
