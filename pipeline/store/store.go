// Package store provides persistence for workflow state, checkpoints, and
// the run registry that tracks a raking grid's tasks.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, task, or checkpoint does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrTaskConflict is returned when a task transition is invalid, e.g.
// claiming a task that is already running or completing one never claimed.
var ErrTaskConflict = errors.New("task state conflict")

// Store provides persistence for workflow state and checkpoints.
//
// It enables:
//   - Step-by-step state persistence during a task pipeline's execution
//   - Latest state retrieval for resumption
//   - Named checkpoint save/load
//   - Idempotency key tracking for exactly-once commits
//
// Implementations: MemStore (tests, single runs), SQLiteStore (local
// persistent runs), MySQLStore (team database, the shared scheduler DB
// analog).
//
// Type parameter S is the state type to persist (JSON-serializable).
type Store[S any] interface {
	// SaveStep persists the state after a pipeline step.
	// Each step is identified by runID + step number; re-saving a step
	// replaces it (crash recovery re-executes the interrupted step).
	SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error

	// LoadLatest retrieves the most recent state for a run, identified by
	// the highest step number. Returns ErrNotFound for unknown runs.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)

	// SaveCheckpoint creates a named snapshot of workflow state.
	// An existing checkpoint with the same ID is overwritten.
	SaveCheckpoint(ctx context.Context, cpID string, state S, step int) error

	// LoadCheckpoint retrieves a previously saved checkpoint.
	// Returns ErrNotFound if cpID doesn't exist.
	LoadCheckpoint(ctx context.Context, cpID string) (state S, step int, err error)

	// CheckIdempotency verifies whether an idempotency key has been used,
	// recording it atomically when it has not. Returns true if the key was
	// already present (the commit it guards already happened).
	CheckIdempotency(ctx context.Context, key string) (bool, error)
}

// StepRecord is a single execution step in a task pipeline's history.
type StepRecord[S any] struct {
	// Step is the sequential step number (1-indexed).
	Step int

	// StageID identifies which stage produced this state.
	StageID string

	// State is the workflow state after this step completed.
	State S
}

// Checkpoint is a named snapshot of workflow state.
type Checkpoint[S any] struct {
	// ID is the unique checkpoint identifier.
	ID string

	// State is the snapshotted workflow state.
	State S

	// Step is the step number when this checkpoint was created.
	Step int
}

// TaskStatus is the lifecycle state of one task in the run registry.
type TaskStatus string

// Task statuses. A task moves pending -> running -> done|failed, or goes
// straight to skipped when its output already exists.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// TaskRecord is one task's registry entry.
type TaskRecord struct {
	// RunID is the run this task belongs to.
	RunID string

	// Key identifies the task within the run (cause/scenario/measure/draw).
	Key string

	// Status is the task's current lifecycle state.
	Status TaskStatus

	// Attempts counts how many times the task has been claimed.
	Attempts int

	// Error holds the failure reason for failed tasks.
	Error string

	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time
}

// RunSummary aggregates a run's task statuses.
type RunSummary struct {
	RunID   string
	Name    string
	Total   int
	Pending int
	Running int
	Done    int
	Failed  int
	Skipped int
	Created time.Time
}

// Finished reports whether no tasks remain pending or running.
func (s RunSummary) Finished() bool {
	return s.Pending == 0 && s.Running == 0
}

// Registry tracks runs and their tasks, the persistent analog of a cluster
// scheduler's workflow database. Every task transition is recorded so a
// run's status can be queried during and after execution, and so a relaunch
// knows what already completed.
type Registry interface {
	// CreateRun registers a new run. Returns an error if runID exists.
	CreateRun(ctx context.Context, runID, name string) error

	// AddTasks registers tasks for a run in pending state. Keys already
	// present are left untouched (idempotent relaunch).
	AddTasks(ctx context.Context, runID string, keys []string) error

	// ClaimTask transitions a pending or failed task to running and
	// increments its attempt counter. Returns the new attempt number.
	// Returns ErrTaskConflict if the task is running or already done.
	ClaimTask(ctx context.Context, runID, key string) (attempt int, err error)

	// CompleteTask transitions a running task to done.
	CompleteTask(ctx context.Context, runID, key string) error

	// FailTask transitions a running task to failed, recording the reason.
	FailTask(ctx context.Context, runID, key, reason string) error

	// SkipTask transitions a pending task to skipped (output already
	// present).
	SkipTask(ctx context.Context, runID, key string) error

	// RunSummary returns the aggregate status counts for a run.
	RunSummary(ctx context.Context, runID string) (RunSummary, error)

	// ListTasks returns the tasks of a run, optionally filtered by status.
	// Pass "" to list all tasks. Tasks are returned in key order.
	ListTasks(ctx context.Context, runID string, status TaskStatus) ([]TaskRecord, error)
}
