package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/epirake/pipeline/emit"
	"github.com/dshills/epirake/pipeline/store"
)

// Reducer merges a partial state update into the accumulated state.
// Reducers must be deterministic: the same prev and delta always produce
// the same merged state.
type Reducer[S any] func(prev, delta S) S

// Engine orchestrates staged workflow execution with checkpointing support.
//
// The Engine is the runtime that:
//   - Manages workflow topology (stages and edges)
//   - Executes stages in sequence, merging deltas via the reducer
//   - Persists state after every step via the store
//   - Emits observability events via the emitter
//   - Enforces per-stage timeouts and retry policies
//   - Supports checkpoint save/resume
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	reducer := func(prev, delta TaskState) TaskState {
//	    if delta.Envelope != nil {
//	        prev.Envelope = delta.Envelope
//	    }
//	    return prev
//	}
//
//	eng := pipeline.New(reducer, store.NewMemStore[TaskState](), emit.NewNullEmitter(), pipeline.Options{MaxSteps: 20})
//	eng.Add("load_envelope", loadEnvelope)
//	eng.Add("factors", computeFactors)
//	eng.Connect("load_envelope", "factors", nil)
//	eng.StartAt("load_envelope")
//
//	final, err := eng.Run(ctx, "run-001", TaskState{})
type Engine[S any] struct {
	mu sync.RWMutex

	// reducer merges partial state updates deterministically
	reducer Reducer[S]

	// stages maps stage IDs to Stage implementations
	stages map[string]Stage[S]

	// policies holds optional per-stage timeout/retry overrides
	policies map[string]*StagePolicy

	// edges defines conditional transitions between stages
	edges []Edge[S]

	// startStage is the entry point for workflow execution
	startStage string

	// store persists workflow state and checkpoints
	store store.Store[S]

	// emitter receives observability events
	emitter emit.Emitter

	// opts contains execution configuration
	opts Options
}

// Options configures Engine execution behavior. Zero values are valid; the
// Engine falls back to no step limit and no default timeout.
type Options struct {
	// MaxSteps limits workflow execution to prevent routing loops.
	// If 0, no limit is enforced. A linear raking pipeline of ten stages
	// needs no more than MaxSteps = 20.
	MaxSteps int

	// DefaultStageTimeout applies to stages without an explicit
	// StagePolicy.Timeout. Zero means unlimited.
	DefaultStageTimeout time.Duration

	// Metrics, when non-nil, receives stage latency and retry counts.
	Metrics *Metrics
}

// New creates an Engine with the given configuration.
//
// The reducer and store are required for Run; the emitter may be nil.
// Validation is deferred to Run so graphs can be assembled flexibly.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts Options) *Engine[S] {
	return &Engine[S]{
		reducer:  reducer,
		stages:   make(map[string]Stage[S]),
		policies: make(map[string]*StagePolicy),
		edges:    make([]Edge[S], 0),
		store:    st,
		emitter:  emitter,
		opts:     opts,
	}
}

// Add registers a stage in the workflow graph.
//
// Stage IDs must be unique and non-empty, and stages must be added before
// StartAt or Run.
func (e *Engine[S]) Add(stageID string, stage Stage[S]) error {
	if stageID == "" {
		return &EngineError{Message: "stage ID cannot be empty"}
	}
	if stage == nil {
		return &EngineError{Message: "stage cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.stages[stageID]; exists {
		return &EngineError{
			Message: "duplicate stage ID: " + stageID,
			Code:    "DUPLICATE_STAGE",
		}
	}

	e.stages[stageID] = stage
	return nil
}

// SetPolicy attaches a timeout/retry policy to a registered stage.
func (e *Engine[S]) SetPolicy(stageID string, policy *StagePolicy) error {
	if policy != nil && policy.Retry != nil {
		if err := policy.Retry.Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.stages[stageID]; !exists {
		return &EngineError{
			Message: "stage does not exist: " + stageID,
			Code:    "STAGE_NOT_FOUND",
		}
	}
	e.policies[stageID] = policy
	return nil
}

// StartAt sets the entry point for workflow execution. The stage must have
// been registered via Add.
func (e *Engine[S]) StartAt(stageID string) error {
	if stageID == "" {
		return &EngineError{Message: "start stage ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.stages[stageID]; !exists {
		return &EngineError{
			Message: "start stage does not exist: " + stageID,
			Code:    "STAGE_NOT_FOUND",
		}
	}

	e.startStage = stageID
	return nil
}

// Connect creates an edge between two stages.
//
// A nil predicate makes the edge unconditional. Stage existence is not
// validated here (lazy validation) so graphs can be wired in any order.
// Explicit routing via StageResult.Route takes precedence over edges.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from stage ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to stage ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// Run executes the workflow from the start stage to completion or error.
//
// Each step executes one stage (with timeout and retry policy applied),
// merges the delta via the reducer, persists the state, emits an event, and
// follows the routing decision. Context cancellation is honored between
// steps and inside stages that respect their context.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	var zero S

	if err := e.validate(); err != nil {
		return zero, err
	}

	e.mu.RLock()
	start := e.startStage
	e.mu.RUnlock()

	return e.runLoop(ctx, runID, initial, start)
}

// validate checks the engine configuration before execution.
func (e *Engine[S]) validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if e.startStage == "" {
		return &EngineError{Message: "start stage not set (call StartAt before Run)", Code: "NO_START_STAGE"}
	}
	if _, exists := e.stages[e.startStage]; !exists {
		return &EngineError{Message: "start stage does not exist: " + e.startStage, Code: "STAGE_NOT_FOUND"}
	}
	return nil
}

// runLoop is the shared execution loop for Run and ResumeFromCheckpoint.
func (e *Engine[S]) runLoop(ctx context.Context, runID string, initial S, startStage string) (S, error) {
	var zero S

	currentState := initial
	currentStage := startStage
	step := 0

	for {
		step++

		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return zero, fmt.Errorf("run %s at stage %s: %w", runID, currentStage, ErrMaxStepsExceeded)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		e.mu.RLock()
		stageImpl, exists := e.stages[currentStage]
		policy := e.policies[currentStage]
		e.mu.RUnlock()

		if !exists {
			return zero, &EngineError{
				Message: "stage not found during execution: " + currentStage,
				Code:    "STAGE_NOT_FOUND",
			}
		}

		result, err := e.executeStage(ctx, runID, currentStage, currentState, stageImpl, policy)
		if err != nil {
			return zero, err
		}

		currentState = e.reducer(currentState, result.Delta)

		if err := e.store.SaveStep(ctx, runID, step, currentStage, currentState); err != nil {
			return zero, &EngineError{
				Message: "failed to save step: " + err.Error(),
				Code:    "STORE_ERROR",
			}
		}

		if e.emitter != nil {
			e.emitter.Emit(emit.Event{
				RunID: runID,
				Step:  step,
				Stage: currentStage,
				Msg:   "stage completed",
			})
		}

		if result.Route.Terminal {
			return currentState, nil
		}

		if result.Route.To != "" {
			currentStage = result.Route.To
			continue
		}

		nextStage := e.evaluateEdges(currentStage, currentState)
		if nextStage == "" {
			return zero, &EngineError{
				Message: "no valid route from stage: " + currentStage,
				Code:    "NO_ROUTE",
			}
		}

		currentStage = nextStage
	}
}

// executeStage runs one stage under its policy: timeout enforcement first,
// then the retry loop with exponential backoff for retryable failures.
func (e *Engine[S]) executeStage(
	ctx context.Context,
	runID, stageID string,
	state S,
	stage Stage[S],
	policy *StagePolicy,
) (StageResult[S], error) {
	var lastErr error

	maxAttempts := 1
	if policy != nil && policy.Retry != nil {
		maxAttempts = policy.Retry.MaxAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		result, timeoutErr := runStageWithTimeout(ctx, stage, stageID, state, policy, e.opts.DefaultStageTimeout)

		stageErr := result.Err
		if timeoutErr != nil {
			stageErr = timeoutErr
		}

		if stageErr == nil {
			if e.opts.Metrics != nil {
				e.opts.Metrics.ObserveStageLatency(runID, stageID, time.Since(start), "success")
			}
			return result, nil
		}

		if e.opts.Metrics != nil {
			e.opts.Metrics.ObserveStageLatency(runID, stageID, time.Since(start), "error")
		}
		lastErr = stageErr

		retryable := policy != nil && policy.Retry != nil &&
			policy.Retry.Retryable != nil && policy.Retry.Retryable(stageErr)
		if !retryable || attempt+1 >= maxAttempts {
			break
		}

		if e.opts.Metrics != nil {
			e.opts.Metrics.IncRetries(runID, stageID, "error")
		}
		if e.emitter != nil {
			e.emitter.Emit(emit.Event{
				RunID: runID,
				Stage: stageID,
				Msg:   "stage retrying",
				Meta: map[string]interface{}{
					"attempt": attempt + 1,
					"error":   stageErr.Error(),
				},
			})
		}

		delay := computeBackoff(attempt, policy.Retry.BaseDelay, policy.Retry.MaxDelay, nil)
		select {
		case <-ctx.Done():
			return StageResult[S]{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if maxAttempts > 1 {
		return StageResult[S]{}, fmt.Errorf("stage %s: %w: %w", stageID, ErrMaxAttemptsExceeded, lastErr)
	}
	return StageResult[S]{}, lastErr
}

// evaluateEdges finds the first matching edge from the given stage.
// Unconditional edges always match; otherwise the predicate decides.
// Returns empty string if no edge matches.
func (e *Engine[S]) evaluateEdges(fromStage string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != fromStage {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// SaveCheckpoint creates a named checkpoint for the most recent state of a
// run. The checkpoint captures the latest persisted state; multiple
// checkpoints can be created for the same run with different labels.
func (e *Engine[S]) SaveCheckpoint(ctx context.Context, runID string, cpID string) error {
	latestState, latestStep, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &EngineError{
				Message: "cannot create checkpoint: run state not found: " + runID,
				Code:    "RUN_NOT_FOUND",
			}
		}
		return &EngineError{
			Message: "cannot create checkpoint: " + err.Error(),
			Code:    "STORE_ERROR",
		}
	}

	if err := e.store.SaveCheckpoint(ctx, cpID, latestState, latestStep); err != nil {
		return &EngineError{
			Message: "failed to save checkpoint: " + err.Error(),
			Code:    "CHECKPOINT_SAVE_FAILED",
		}
	}

	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: runID,
			Step:  latestStep,
			Msg:   "checkpoint saved: " + cpID,
			Meta: map[string]interface{}{
				"checkpoint_id": cpID,
			},
		})
	}

	return nil
}

// ResumeFromCheckpoint resumes workflow execution from a saved checkpoint.
//
// The checkpoint state becomes the initial state of a new run starting at
// startStage (typically the stage after the one that checkpointed). This is
// how an interrupted raking task picks up from its last completed stage
// instead of reloading and recomputing everything.
func (e *Engine[S]) ResumeFromCheckpoint(ctx context.Context, cpID string, newRunID string, startStage string) (S, error) {
	var zero S

	checkpointState, checkpointStep, err := e.store.LoadCheckpoint(ctx, cpID)
	if err != nil {
		return zero, &EngineError{
			Message: "cannot resume: checkpoint not found: " + err.Error(),
			Code:    "CHECKPOINT_NOT_FOUND",
		}
	}

	if e.reducer == nil {
		return zero, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if startStage == "" {
		return zero, &EngineError{Message: "start stage not specified for resume", Code: "NO_START_STAGE"}
	}

	e.mu.RLock()
	_, exists := e.stages[startStage]
	e.mu.RUnlock()
	if !exists {
		return zero, &EngineError{
			Message: "resume start stage does not exist: " + startStage,
			Code:    "STAGE_NOT_FOUND",
		}
	}

	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID: newRunID,
			Stage: startStage,
			Msg:   "resuming from checkpoint: " + cpID,
			Meta: map[string]interface{}{
				"checkpoint_id":   cpID,
				"checkpoint_step": checkpointStep,
			},
		})
	}

	return e.runLoop(ctx, newRunID, checkpointState, startStage)
}

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
