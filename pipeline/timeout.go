package pipeline

import (
	"context"
	"fmt"
	"time"
)

// stageTimeout determines the timeout for a stage based on precedence:
//  1. StagePolicy.Timeout (per-stage override)
//  2. defaultTimeout (engine-wide default)
//  3. 0 (no timeout, unlimited execution)
func stageTimeout(policy *StagePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runStageWithTimeout wraps stage execution with timeout enforcement.
//
// It resolves the timeout with stageTimeout, creates a deadline context when
// one applies, executes the stage, and converts a deadline expiry into a
// structured EngineError with code "STAGE_TIMEOUT".
func runStageWithTimeout[S any](
	ctx context.Context,
	stage Stage[S],
	stageID string,
	state S,
	policy *StagePolicy,
	defaultTimeout time.Duration,
) (StageResult[S], error) {
	timeout := stageTimeout(policy, defaultTimeout)

	if timeout == 0 {
		return stage.Run(ctx, state), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := stage.Run(timeoutCtx, state)

	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &EngineError{
			Message: fmt.Sprintf("stage %s exceeded timeout of %v", stageID, timeout),
			Code:    "STAGE_TIMEOUT",
		}
	}

	return result, nil
}
