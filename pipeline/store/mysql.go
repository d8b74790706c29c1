package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S] and Registry.
//
// It persists workflow state, checkpoints, and the run registry in a
// shared relational database. Designed for:
//   - Team deployments where multiple launchers share one database
//   - Runs whose status must be queryable from other hosts
//   - Audit trails across many grids
//
// MySQLStore uses connection pooling and transactions for reliability.
//
// Schema:
//   - run_steps: step-by-step task pipeline history
//   - run_checkpoints: named checkpoints for resumption
//   - idempotency_keys: duplicate commit prevention
//   - runs / run_tasks: the run registry
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(127.0.0.1:3306)/epirake?parseTime=true
//
// parseTime=true is required so DATETIME columns scan into time.Time.
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("EPIRAKE_MYSQL_DSN")
//	st, err := store.NewMySQLStore[TaskState](dsn)
//
// The store creates the required tables if they don't exist and configures
// the connection pool for a worker pool's write pattern.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{db: db}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required schema if it doesn't exist.
func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			stage_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_run_id (run_id),
			UNIQUE KEY unique_run_step (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			checkpoint_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			step INT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			UNIQUE KEY unique_checkpoint (checkpoint_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value VARCHAR(255) NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_tasks (
			run_id VARCHAR(255) NOT NULL,
			task_key VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (run_id, task_key),
			INDEX idx_run_status (run_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}

	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore[S]) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveStep persists a pipeline execution step, replacing an existing record
// for the same runID and step number.
func (m *MySQLStore[S]) SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_steps (run_id, step, stage_id, state)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			stage_id = VALUES(stage_id),
			state = VALUES(state)
	`
	if _, err := m.db.ExecContext(ctx, query, runID, step, stageID, string(stateJSON)); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest retrieves the step with the highest step number for a run.
func (m *MySQLStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S
	if err := m.checkOpen(); err != nil {
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
	err = m.db.QueryRowContext(ctx, query, runID).Scan(&step, &stateJSON)
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
func (m *MySQLStore[S]) SaveCheckpoint(ctx context.Context, cpID string, state S, step int) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO run_checkpoints (checkpoint_id, state, step)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			step = VALUES(step)
	`
	if _, err := m.db.ExecContext(ctx, query, cpID, string(stateJSON), step); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves a named checkpoint.
func (m *MySQLStore[S]) LoadCheckpoint(ctx context.Context, cpID string) (state S, step int, err error) {
	var zero S
	if err := m.checkOpen(); err != nil {
		return zero, 0, err
	}

	query := `SELECT state, step FROM run_checkpoints WHERE checkpoint_id = ?`

	var stateJSON string
	err = m.db.QueryRowContext(ctx, query, cpID).Scan(&stateJSON, &step)
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
// when new. INSERT IGNORE plus RowsAffected is race-safe under the primary
// key constraint.
func (m *MySQLStore[S]) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	result, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO idempotency_keys (key_value) VALUES (?)`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return affected == 0, nil
}

// CreateRun registers a new run. Returns ErrTaskConflict if the run id is
// already registered.
func (m *MySQLStore[S]) CreateRun(ctx context.Context, runID, name string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	result, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO runs (run_id, name, created_at) VALUES (?, ?, ?)`,
		runID, name, time.Now().UTC())
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
func (m *MySQLStore[S]) AddTasks(ctx context.Context, runID string, keys []string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	query := `
		INSERT IGNORE INTO run_tasks (run_id, task_key, status, error, updated_at)
		VALUES (?, ?, ?, '', ?)
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
func (m *MySQLStore[S]) ClaimTask(ctx context.Context, runID, key string) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	query := `
		UPDATE run_tasks
		SET status = ?, attempts = attempts + 1, error = '', updated_at = ?
		WHERE run_id = ? AND task_key = ? AND status IN (?, ?)
	`
	result, err := m.db.ExecContext(ctx, query,
		string(TaskRunning), time.Now().UTC(),
		runID, key, string(TaskPending), string(TaskFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to claim task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to claim task: %w", err)
	}
	if affected == 0 {
		return 0, m.taskConflictOrNotFound(ctx, runID, key)
	}

	var attempts int
	err = m.db.QueryRowContext(ctx,
		`SELECT attempts FROM run_tasks WHERE run_id = ? AND task_key = ?`, runID, key).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// CompleteTask transitions running -> done.
func (m *MySQLStore[S]) CompleteTask(ctx context.Context, runID, key string) error {
	return m.transition(ctx, runID, key, TaskRunning, TaskDone, "")
}

// FailTask transitions running -> failed with a reason.
func (m *MySQLStore[S]) FailTask(ctx context.Context, runID, key, reason string) error {
	return m.transition(ctx, runID, key, TaskRunning, TaskFailed, reason)
}

// SkipTask transitions pending -> skipped.
func (m *MySQLStore[S]) SkipTask(ctx context.Context, runID, key string) error {
	return m.transition(ctx, runID, key, TaskPending, TaskSkipped, "")
}

func (m *MySQLStore[S]) transition(ctx context.Context, runID, key string, from, to TaskStatus, reason string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE run_tasks
		SET status = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND task_key = ? AND status = ?
	`
	result, err := m.db.ExecContext(ctx, query,
		string(to), reason, time.Now().UTC(), runID, key, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	if affected == 0 {
		return m.taskConflictOrNotFound(ctx, runID, key)
	}
	return nil
}

// taskConflictOrNotFound distinguishes a missing task from an invalid
// transition for error reporting.
func (m *MySQLStore[S]) taskConflictOrNotFound(ctx context.Context, runID, key string) error {
	var count int
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore[S]) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	if err := m.checkOpen(); err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{RunID: runID}
	err := m.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM runs WHERE run_id = ?`, runID).Scan(&summary.Name, &summary.Created)
	if err == sql.ErrNoRows {
		return RunSummary{}, ErrNotFound
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to load run: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
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
func (m *MySQLStore[S]) ListTasks(ctx context.Context, runID string, status TaskStatus) ([]TaskRecord, error) {
	if err := m.checkOpen(); err != nil {
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

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		task := TaskRecord{RunID: runID}
		var st string
		if err := rows.Scan(&task.Key, &st, &task.Attempts, &task.Error, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.Status = TaskStatus(st)
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection. Double-close is a no-op.
func (m *MySQLStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore[S]) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
