package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S] and Registry.
//
// It persists workflow state, checkpoints, and the run registry in a
// single-file database. Designed for:
//   - Local runs that must survive a crash or interruption
//   - Development and testing with zero setup
//   - Prototyping before pointing a run at the team MySQL database
//
// The store uses WAL mode for concurrent reads, a busy timeout for writer
// contention between task workers, and upserts for re-saved steps.
//
// Schema:
//   - run_steps: step-by-step task pipeline history
//   - run_checkpoints: named checkpoints for resumption
//   - idempotency_keys: duplicate commit prevention
//   - runs / run_tasks: the run registry
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Use ":memory:" for an in-memory database (data lost on close).
//
// The store automatically creates the database file and schema, enables
// WAL mode, and sets a 5 second busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore[TaskState]("./run.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db, path: path}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required schema if it doesn't exist.
func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			stage_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			step INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_tasks (
			run_id TEXT NOT NULL,
			task_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, task_key),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_tasks_status ON run_tasks(run_id, status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveStep persists a pipeline execution step, replacing an existing record
// for the same runID and step number.
func (s *SQLiteStore[S]) SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_steps (run_id, step, stage_id, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			stage_id = excluded.stage_id,
			state = excluded.state
	`
	if _, err := s.db.ExecContext(ctx, query, runID, step, stageID, string(stateJSON)); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest retrieves the step with the highest step number for a run.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S
	if err := s.checkOpen(); err != nil {
		return zero, 0, err
	}

	query := `
		SELECT step, state
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step DESC
		LIMIT 1
	`
	var stateJSON string
	err = s.db.QueryRowContext(ctx, query, runID).Scan(&step, &stateJSON)
	if err == sql.ErrNoRows {
		return zero, 0, ErrNotFound
	}
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load latest step: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, step, nil
}

// SaveCheckpoint creates or updates a named checkpoint.
func (s *SQLiteStore[S]) SaveCheckpoint(ctx context.Context, cpID string, state S, step int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_checkpoints (checkpoint_id, state, step)
		VALUES (?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			state = excluded.state,
			step = excluded.step,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, cpID, string(stateJSON), step); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves a named checkpoint.
func (s *SQLiteStore[S]) LoadCheckpoint(ctx context.Context, cpID string) (state S, step int, err error) {
	var zero S
	if err := s.checkOpen(); err != nil {
		return zero, 0, err
	}

	query := `SELECT state, step FROM run_checkpoints WHERE checkpoint_id = ?`

	var stateJSON string
	err = s.db.QueryRowContext(ctx, query, cpID).Scan(&stateJSON, &step)
	if err == sql.ErrNoRows {
		return zero, 0, ErrNotFound
	}
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, step, nil
}

// CheckIdempotency reports whether the key was used before, inserting it
// when new. The unique constraint makes the insert race-safe.
func (s *SQLiteStore[S]) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key_value) VALUES (?) ON CONFLICT(key_value) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	// Zero rows affected means the key already existed.
	return affected == 0, nil
}

// CreateRun registers a new run. Returns ErrTaskConflict if the run id is
// already registered.
func (s *SQLiteStore[S]) CreateRun(ctx context.Context, runID, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	created := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(run_id) DO NOTHING`,
		runID, name, created)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s already exists: %w", runID, ErrTaskConflict)
	}
	return nil
}

// AddTasks registers tasks for a run in pending state; keys already present
// are left untouched so relaunches are idempotent.
func (s *SQLiteStore[S]) AddTasks(ctx context.Context, runID string, keys []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO run_tasks (run_id, task_key, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, task_key) DO NOTHING
	`
	for _, key := range keys {
		if _, err = tx.ExecContext(ctx, query, runID, key, string(TaskPending), now); err != nil {
			return fmt.Errorf("failed to add task %s: %w", key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

// ClaimTask transitions pending/failed -> running, incrementing attempts.
func (s *SQLiteStore[S]) ClaimTask(ctx context.Context, runID, key string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `
		UPDATE run_tasks
		SET status = ?, attempts = attempts + 1, error = '', updated_at = ?
		WHERE run_id = ? AND task_key = ? AND status IN (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		string(TaskRunning), time.Now().UTC().Format(time.RFC3339Nano),
		runID, key, string(TaskPending), string(TaskFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to claim task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to claim task: %w", err)
	}
	if affected == 0 {
		return 0, s.taskConflictOrNotFound(ctx, runID, key)
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM run_tasks WHERE run_id = ? AND task_key = ?`, runID, key).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// CompleteTask transitions running -> done.
func (s *SQLiteStore[S]) CompleteTask(ctx context.Context, runID, key string) error {
	return s.transition(ctx, runID, key, TaskRunning, TaskDone, "")
}

// FailTask transitions running -> failed with a reason.
func (s *SQLiteStore[S]) FailTask(ctx context.Context, runID, key, reason string) error {
	return s.transition(ctx, runID, key, TaskRunning, TaskFailed, reason)
}

// SkipTask transitions pending -> skipped.
func (s *SQLiteStore[S]) SkipTask(ctx context.Context, runID, key string) error {
	return s.transition(ctx, runID, key, TaskPending, TaskSkipped, "")
}

func (s *SQLiteStore[S]) transition(ctx context.Context, runID, key string, from, to TaskStatus, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE run_tasks
		SET status = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND task_key = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), reason, time.Now().UTC().Format(time.RFC3339Nano), runID, key, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	if affected == 0 {
		return s.taskConflictOrNotFound(ctx, runID, key)
	}
	return nil
}

// taskConflictOrNotFound distinguishes a missing task from an invalid
// transition for error reporting.
func (s *SQLiteStore[S]) taskConflictOrNotFound(ctx context.Context, runID, key string) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_tasks WHERE run_id = ? AND task_key = ?`, runID, key).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect task: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrTaskConflict
}

// RunSummary returns aggregate status counts for a run.
func (s *SQLiteStore[S]) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	if err := s.checkOpen(); err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{RunID: runID}
	var createdStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM runs WHERE run_id = ?`, runID).Scan(&summary.Name, &createdStr)
	if err == sql.ErrNoRows {
		return RunSummary{}, ErrNotFound
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to load run: %w", err)
	}
	summary.Created, err = time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to parse run timestamp: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM run_tasks WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return RunSummary{}, fmt.Errorf("failed to scan task counts: %w", err)
		}
		summary.Total += count
		switch TaskStatus(status) {
		case TaskPending:
			summary.Pending = count
		case TaskRunning:
			summary.Running = count
		case TaskDone:
			summary.Done = count
		case TaskFailed:
			summary.Failed = count
		case TaskSkipped:
			summary.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return RunSummary{}, fmt.Errorf("error iterating task counts: %w", err)
	}
	return summary, nil
}

// ListTasks returns a run's tasks in key order, optionally filtered.
func (s *SQLiteStore[S]) ListTasks(ctx context.Context, runID string, status TaskStatus) ([]TaskRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT task_key, status, attempts, error, updated_at
		FROM run_tasks
		WHERE run_id = ?
	`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY task_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		task := TaskRecord{RunID: runID}
		var st, updatedStr string
		if err := rows.Scan(&task.Key, &st, &task.Attempts, &task.Error, &updatedStr); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.Status = TaskStatus(st)
		task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse task timestamp: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection. Calling Close multiple times is
// safe; subsequent calls are no-ops.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
