package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient node
// failures.
//
// When a handler fails, the policy determines whether the failure is
// retryable and how long to wait before the next attempt. Exponential
// backoff with jitter avoids synchronized retry storms across concurrent
// runs.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including the
	// initial one. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// If nil, all errors are considered retryable.
	Retryable func(error) bool
}

// Validate checks the policy configuration:
//   - MaxAttempts must be >= 1
//   - if both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable reports whether err qualifies for another attempt under rp.
func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// defaultRetryPolicy applies when a task node has no explicit policy:
// a single attempt, no retries.
var defaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// computeBackoff calculates the delay before retrying a failed attempt:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). The jitter spreads retry timing
// across concurrent runs.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	// Bit shift for 2^attempt; clamp the shift so the multiplication cannot
	// overflow for pathological attempt counts.
	shift := attempt
	if shift > 16 {
		shift = 16
	}
	delay := base * (1 << shift)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		// Note: math/rand jitter for retry timing, not security-sensitive.
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404
	}

	return delay + jitter
}
