package pipeline

import "context"

// Stage represents one processing step of a staged workflow.
// It receives state of type S, performs its work, and returns a StageResult.
//
// Stages are the building blocks of a raking task pipeline: loading an
// envelope file, imputing location ids, computing factors, writing the
// output draw. Each stage can:
//   - Read the current task state
//   - Return state modifications via Delta
//   - Control routing via Route (continue, jump, or stop)
//   - Fail with an error
//
// Type parameter S is the state type shared across the workflow.
type Stage[S any] interface {
	// Run executes the stage with the given context and state.
	Run(ctx context.Context, state S) StageResult[S]
}

// StageResult is the output of a stage execution.
type StageResult[S any] struct {
	// Delta is the partial state update produced by this stage.
	// It is merged with the current state using the configured reducer.
	Delta S

	// Route specifies the next step in workflow execution.
	// Use Stop() for terminal stages, Goto(id) for explicit routing, or
	// leave zero to fall back to edge-based routing.
	Route Next

	// Err is a stage-level error. A non-nil error halts the workflow
	// unless the stage's retry policy marks it retryable.
	Err error
}

// Next specifies where execution goes after a stage completes.
type Next struct {
	// To names the next stage to execute. Mutually exclusive with Terminal.
	To string

	// Terminal indicates workflow execution should stop.
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the named stage.
func Goto(stageID string) Next {
	return Next{To: stageID}
}

// StageFunc adapts a plain function to the Stage interface.
//
// Example:
//
//	impute := StageFunc[TaskState](func(ctx context.Context, s TaskState) StageResult[TaskState] {
//	    ds, err := s.Target.RemapCoords("location_id", imputeMap)
//	    if err != nil {
//	        return StageResult[TaskState]{Err: err}
//	    }
//	    return StageResult[TaskState]{Delta: TaskState{Target: ds}}
//	})
type StageFunc[S any] func(ctx context.Context, state S) StageResult[S]

// Run implements the Stage interface for StageFunc.
func (f StageFunc[S]) Run(ctx context.Context, state S) StageResult[S] {
	return f(ctx, state)
}

// StageError is a structured error from a stage execution.
type StageError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// StageID identifies which stage produced this error.
	StageID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.StageID != "" {
		return "stage " + e.StageID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is / errors.As support.
func (e *StageError) Unwrap() error {
	return e.Cause
}
