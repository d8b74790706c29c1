package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S] and Registry.
//
// It keeps workflow state, checkpoints, and the run registry in maps.
// Designed for tests, development, and single-process runs where
// persistence across restarts isn't required. Thread-safe.
//
// For runs that must survive a crash, use SQLiteStore or MySQLStore.
//
// Type parameter S is the state type to persist.
type MemStore[S any] struct {
	mu          sync.RWMutex
	steps       map[string][]StepRecord[S] // runID -> steps
	checkpoints map[string]Checkpoint[S]   // checkpointID -> checkpoint
	idempotency map[string]bool            // idempotency key -> used

	runs  map[string]runEntry               // runID -> run
	tasks map[string]map[string]*TaskRecord // runID -> key -> task
}

type runEntry struct {
	name    string
	created time.Time
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[TaskState]()
//	eng := pipeline.New(reducer, st, emitter, opts)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:       make(map[string][]StepRecord[S]),
		checkpoints: make(map[string]Checkpoint[S]),
		idempotency: make(map[string]bool),
		runs:        make(map[string]runEntry),
		tasks:       make(map[string]map[string]*TaskRecord),
	}
}

// SaveStep persists a pipeline execution step. A step saved twice (crash
// recovery re-executing) replaces the earlier record.
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, stageID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := StepRecord[S]{Step: step, StageID: stageID, State: state}

	for i, existing := range m.steps[runID] {
		if existing.Step == step {
			m.steps[runID][i] = record
			return nil
		}
	}
	m.steps[runID] = append(m.steps[runID], record)
	return nil
}

// LoadLatest retrieves the step with the highest step number for a run.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.steps[runID]
	if len(records) == 0 {
		var zero S
		return zero, 0, ErrNotFound
	}

	latest := records[0]
	for _, record := range records[1:] {
		if record.Step > latest.Step {
			latest = record
		}
	}
	return latest.State, latest.Step, nil
}

// SaveCheckpoint creates a named checkpoint, overwriting any existing
// checkpoint with the same ID.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cpID string, state S, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[cpID] = Checkpoint[S]{ID: cpID, State: state, Step: step}
	return nil
}

// LoadCheckpoint retrieves a named checkpoint.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, cpID string) (state S, step int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[cpID]
	if !exists {
		var zero S
		return zero, 0, ErrNotFound
	}
	return cp.State, cp.Step, nil
}

// CheckIdempotency reports whether the key was used before, recording it
// atomically when it was not.
func (m *MemStore[S]) CheckIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotency[key] {
		return true, nil
	}
	m.idempotency[key] = true
	return false, nil
}

// CreateRun registers a new run. Returns ErrTaskConflict if the run id is
// already registered.
func (m *MemStore[S]) CreateRun(_ context.Context, runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; exists {
		return ErrTaskConflict
	}
	m.runs[runID] = runEntry{name: name, created: time.Now().UTC()}
	m.tasks[runID] = make(map[string]*TaskRecord)
	return nil
}

// AddTasks registers tasks in pending state; existing keys are untouched.
func (m *MemStore[S]) AddTasks(_ context.Context, runID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, exists := m.tasks[runID]
	if !exists {
		return ErrNotFound
	}
	now := time.Now().UTC()
	for _, key := range keys {
		if _, dup := tasks[key]; dup {
			continue
		}
		tasks[key] = &TaskRecord{
			RunID:     runID,
			Key:       key,
			Status:    TaskPending,
			UpdatedAt: now,
		}
	}
	return nil
}

// ClaimTask transitions pending/failed -> running, counting the attempt.
func (m *MemStore[S]) ClaimTask(_ context.Context, runID, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.task(runID, key)
	if err != nil {
		return 0, err
	}
	if task.Status != TaskPending && task.Status != TaskFailed {
		return 0, ErrTaskConflict
	}
	task.Status = TaskRunning
	task.Attempts++
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	return task.Attempts, nil
}

// CompleteTask transitions running -> done.
func (m *MemStore[S]) CompleteTask(_ context.Context, runID, key string) error {
	return m.transition(runID, key, TaskRunning, TaskDone, "")
}

// FailTask transitions running -> failed with a reason.
func (m *MemStore[S]) FailTask(_ context.Context, runID, key, reason string) error {
	return m.transition(runID, key, TaskRunning, TaskFailed, reason)
}

// SkipTask transitions pending -> skipped.
func (m *MemStore[S]) SkipTask(_ context.Context, runID, key string) error {
	return m.transition(runID, key, TaskPending, TaskSkipped, "")
}

func (m *MemStore[S]) transition(runID, key string, from, to TaskStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.task(runID, key)
	if err != nil {
		return err
	}
	if task.Status != from {
		return ErrTaskConflict
	}
	task.Status = to
	task.Error = reason
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// task looks up a record; callers must hold the lock.
func (m *MemStore[S]) task(runID, key string) (*TaskRecord, error) {
	tasks, exists := m.tasks[runID]
	if !exists {
		return nil, ErrNotFound
	}
	task, exists := tasks[key]
	if !exists {
		return nil, ErrNotFound
	}
	return task, nil
}

// RunSummary returns aggregate status counts for a run.
func (m *MemStore[S]) RunSummary(_ context.Context, runID string) (RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return RunSummary{}, ErrNotFound
	}

	summary := RunSummary{RunID: runID, Name: run.name, Created: run.created}
	for _, task := range m.tasks[runID] {
		summary.Total++
		switch task.Status {
		case TaskPending:
			summary.Pending++
		case TaskRunning:
			summary.Running++
		case TaskDone:
			summary.Done++
		case TaskFailed:
			summary.Failed++
		case TaskSkipped:
			summary.Skipped++
		}
	}
	return summary, nil
}

// ListTasks returns a run's tasks in key order, optionally filtered.
func (m *MemStore[S]) ListTasks(_ context.Context, runID string, status TaskStatus) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := m.tasks[runID]

	out := make([]TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
