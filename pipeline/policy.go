package pipeline

import (
	"math/rand"
	"time"
)

// StagePolicy configures execution behavior for a single stage: timeout and
// retry handling. Policies are attached per stage via Engine.SetPolicy; if
// absent, engine-wide defaults from Options apply.
type StagePolicy struct {
	// Timeout is the maximum execution time allowed for this stage.
	// If zero, Options.DefaultStageTimeout is used.
	Timeout time.Duration

	// Retry specifies automatic retry behavior for transient failures.
	// If nil, failures are not retried.
	Retry *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient stage
// failures: exponential backoff with jitter, capped at MaxDelay, gated by a
// Retryable predicate.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including
	// the initial attempt. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. If nil, all
	// errors are considered non-retryable. Filesystem contention and
	// database busy errors are the usual candidates for a raking run.
	Retryable func(error) bool
}

// Validate checks the RetryPolicy configuration.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before retrying a failed stage.
//
// The formula is min(base * 2^attempt, maxDelay) + jitter(0, base), where
// attempt is zero-based. The jitter spreads concurrent retries apart so a
// shared store under contention is not hammered in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		// Not deterministic, but fine outside replay scenarios.
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
