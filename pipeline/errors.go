package pipeline

import "errors"

// ErrMaxStepsExceeded indicates the workflow reached the maximum allowed
// step count without completing. This guards against routing loops.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrMaxAttemptsExceeded is returned when a stage fails more times than its
// retry policy allows. The last underlying error is wrapped alongside it.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrInvalidRetryPolicy is returned when a RetryPolicy fails validation
// (MaxAttempts < 1, or MaxDelay below BaseDelay).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrIdempotencyViolation is returned when committing a checkpoint whose
// idempotency key was already used. The checkpoint was already committed by
// a previous execution; the safe response is to treat the step as done.
var ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed")
