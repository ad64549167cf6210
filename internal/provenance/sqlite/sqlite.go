// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the SQLite provenance store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ provenance.Store = (*Store)(nil)

// Store is a SQLite provenance store.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite provenance store at the
// given file path. Pending migrations are applied before returning.
func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // Enable WAL mode for concurrent reads
		"PRAGMA synchronous=NORMAL", // Balance between performance and durability
		"PRAGMA foreign_keys=ON",    // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",  // 5 second timeout for lock contention
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrations is the ordered list of forward-only schema migrations.
// Entries are append-only; migration N is recorded as version N+1 in
// schema_migrations once applied.
var migrations = [][]string{
	{
		`CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			subcommand TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT NOT NULL,
			outputs TEXT,
			error TEXT,
			directory TEXT NOT NULL UNIQUE,
			index_directory TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_runs_status ON runs(status)`,
		`CREATE INDEX idx_runs_session_id ON runs(session_id)`,
		`CREATE INDEX idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE tasks (
			name TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			status TEXT NOT NULL,
			exit_status INTEGER,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX idx_tasks_run_id ON tasks(run_id)`,
		`CREATE INDEX idx_tasks_status ON tasks(status)`,
		`CREATE TABLE task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_name TEXT NOT NULL REFERENCES tasks(name),
			source TEXT NOT NULL,
			chunk BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_task_logs_task_source ON task_logs(task_name, source, id)`,
		`CREATE TABLE index_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			link_path TEXT NOT NULL,
			target_path TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_index_log_link_path ON index_log(link_path)`,
		`CREATE INDEX idx_index_log_run_id ON index_log(run_id)`,
	},
}

// migrate applies pending schema migrations. Connecting to a database
// whose recorded version exceeds what this binary knows is fatal.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than the supported version %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, formatTime(time.Now().UTC())); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

// CreateSession creates a new session.
func (s *Store) CreateSession(ctx context.Context, id uuid.UUID, subcommand provenance.Subcommand, createdBy string) (*provenance.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subcommand, created_by, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), string(subcommand), createdBy, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &provenance.Session{
		ID:         id,
		Subcommand: subcommand,
		CreatedBy:  createdBy,
		CreatedAt:  now,
	}, nil
}

// GetSession returns a session by ID, or nil if not found.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*provenance.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subcommand, created_by, created_at FROM sessions WHERE id = ?`,
		id.String())

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions lists sessions ordered by creation time descending.
func (s *Store) ListSessions(ctx context.Context, page provenance.Page) ([]*provenance.Session, error) {
	limit, offset := pageBounds(page.Limit, page.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subcommand, created_by, created_at FROM sessions
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*provenance.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// runColumns is the column list shared by all run queries.
const runColumns = `id, session_id, name, source, status, inputs, outputs, error,
	directory, index_directory, started_at, completed_at, created_at`

// CreateRun creates a new run with status RunQueued.
func (s *Store) CreateRun(ctx context.Context, id, sessionID uuid.UUID, name, source, inputs, directory string) (*provenance.Run, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, name, source, status, inputs, directory, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID.String(), name, source, string(provenance.RunQueued),
		inputs, directory, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &provenance.Run{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Source:    source,
		Status:    provenance.RunQueued,
		Inputs:    inputs,
		Directory: directory,
		CreatedAt: now,
	}, nil
}

// UpdateRunStatus updates a run's status.
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, status provenance.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// UpdateRunStartedAt updates a run's started timestamp.
func (s *Store) UpdateRunStartedAt(ctx context.Context, id uuid.UUID, startedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET started_at = ? WHERE id = ?`, formatTimePtr(startedAt), id.String())
	if err != nil {
		return fmt.Errorf("failed to update run started_at: %w", err)
	}
	return nil
}

// UpdateRunCompletedAt updates a run's completed timestamp.
func (s *Store) UpdateRunCompletedAt(ctx context.Context, id uuid.UUID, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET completed_at = ? WHERE id = ?`, formatTimePtr(completedAt), id.String())
	if err != nil {
		return fmt.Errorf("failed to update run completed_at: %w", err)
	}
	return nil
}

// UpdateRunOutputs updates a run's JSON-encoded outputs.
func (s *Store) UpdateRunOutputs(ctx context.Context, id uuid.UUID, outputs string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET outputs = ? WHERE id = ?`, outputs, id.String())
	if err != nil {
		return fmt.Errorf("failed to update run outputs: %w", err)
	}
	return nil
}

// UpdateRunError updates a run's error message.
func (s *Store) UpdateRunError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ? WHERE id = ?`, message, id.String())
	if err != nil {
		return fmt.Errorf("failed to update run error: %w", err)
	}
	return nil
}

// UpdateRunIndexDirectory updates a run's index directory. It returns
// false if the run was not found.
func (s *Store) UpdateRunIndexDirectory(ctx context.Context, id uuid.UUID, indexDirectory string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET index_directory = ? WHERE id = ?`, indexDirectory, id.String())
	if err != nil {
		return false, fmt.Errorf("failed to update run index_directory: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update run index_directory: %w", err)
	}
	return affected > 0, nil
}

// GetRun returns a run by ID, or nil if not found.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*provenance.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs ordered by created_at descending, then id.
func (s *Store) ListRuns(ctx context.Context, filter provenance.RunFilter) ([]*provenance.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*provenance.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRuns counts runs, optionally filtered by status.
func (s *Store) CountRuns(ctx context.Context, status provenance.RunStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return total, nil
}

// ListRunsBySession lists a session's runs ordered by creation time.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID uuid.UUID) ([]*provenance.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY created_at, id`,
		sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by session: %w", err)
	}
	defer rows.Close()

	var runs []*provenance.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateIndexLogEntry appends an index log entry.
func (s *Store) CreateIndexLogEntry(ctx context.Context, runID uuid.UUID, linkPath, targetPath string) (*provenance.IndexLogEntry, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO index_log (run_id, link_path, target_path, created_at) VALUES (?, ?, ?, ?)`,
		runID.String(), linkPath, targetPath, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create index log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create index log entry: %w", err)
	}

	return &provenance.IndexLogEntry{
		ID:         id,
		RunID:      runID,
		LinkPath:   linkPath,
		TargetPath: targetPath,
		CreatedAt:  now,
	}, nil
}

// ListIndexLogEntriesByRun lists a run's index log entries in insertion
// order.
func (s *Store) ListIndexLogEntriesByRun(ctx context.Context, runID uuid.UUID) ([]*provenance.IndexLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, link_path, target_path, created_at FROM index_log
		 WHERE run_id = ? ORDER BY id`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list index log entries: %w", err)
	}
	defer rows.Close()

	return scanIndexEntries(rows)
}

// ListLatestIndexEntries returns, for each distinct link path, the entry
// with the latest (created_at, id).
func (s *Store) ListLatestIndexEntries(ctx context.Context) ([]*provenance.IndexLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, link_path, target_path, created_at FROM (
			SELECT id, run_id, link_path, target_path, created_at,
				ROW_NUMBER() OVER (PARTITION BY link_path ORDER BY created_at DESC, id DESC) AS rn
			FROM index_log
		 ) WHERE rn = 1 ORDER BY link_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest index entries: %w", err)
	}
	defer rows.Close()

	return scanIndexEntries(rows)
}

// CreateTask creates a new task record with status TaskPending.
func (s *Store) CreateTask(ctx context.Context, name string, runID uuid.UUID) (*provenance.Task, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (name, run_id, status, created_at) VALUES (?, ?, ?, ?)`,
		name, runID.String(), string(provenance.TaskPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return &provenance.Task{
		Name:      name,
		RunID:     runID,
		Status:    provenance.TaskPending,
		CreatedAt: now,
	}, nil
}

// UpdateTaskStarted marks a task as running.
func (s *Store) UpdateTaskStarted(ctx context.Context, name string, startedAt time.Time) (bool, error) {
	return s.updateTask(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE name = ?`,
		string(provenance.TaskRunning), formatTime(startedAt), name)
}

// UpdateTaskCompleted marks a task as completed.
func (s *Store) UpdateTaskCompleted(ctx context.Context, name string, exitStatus *int, completedAt time.Time) (bool, error) {
	var exit any
	if exitStatus != nil {
		exit = *exitStatus
	}
	return s.updateTask(ctx,
		`UPDATE tasks SET status = ?, exit_status = ?, completed_at = ? WHERE name = ?`,
		string(provenance.TaskCompleted), exit, formatTime(completedAt), name)
}

// UpdateTaskFailed marks a task as failed.
func (s *Store) UpdateTaskFailed(ctx context.Context, name string, message string, completedAt time.Time) (bool, error) {
	return s.updateTask(ctx,
		`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE name = ?`,
		string(provenance.TaskFailed), message, formatTime(completedAt), name)
}

// UpdateTaskCanceled marks a task as canceled.
func (s *Store) UpdateTaskCanceled(ctx context.Context, name string, completedAt time.Time) (bool, error) {
	return s.updateTask(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE name = ?`,
		string(provenance.TaskCanceled), formatTime(completedAt), name)
}

// UpdateTaskPreempted marks a task as preempted.
func (s *Store) UpdateTaskPreempted(ctx context.Context, name string, completedAt time.Time) (bool, error) {
	return s.updateTask(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE name = ?`,
		string(provenance.TaskPreempted), formatTime(completedAt), name)
}

// updateTask executes a task mutation and reports whether a row was
// affected.
func (s *Store) updateTask(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	return affected > 0, nil
}

// taskColumns is the column list shared by all task queries.
const taskColumns = `name, run_id, status, exit_status, error, created_at, started_at, completed_at`

// GetTask returns a task by name, or nil if not found.
func (s *Store) GetTask(ctx context.Context, name string) (*provenance.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks lists tasks with optional filters.
func (s *Store) ListTasks(ctx context.Context, filter provenance.TaskFilter) ([]*provenance.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}

	if filter.RunID != nil {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID.String())
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query += ` ORDER BY created_at, name LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*provenance.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasks counts tasks matching the filters.
func (s *Store) CountTasks(ctx context.Context, runID *uuid.UUID, status provenance.TaskStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE 1=1`
	args := []any{}

	if runID != nil {
		query += ` AND run_id = ?`
		args = append(args, runID.String())
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return total, nil
}

// InsertTaskLog appends a task log chunk.
func (s *Store) InsertTaskLog(ctx context.Context, taskName string, source provenance.LogSource, chunk []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_name, source, chunk, created_at) VALUES (?, ?, ?, ?)`,
		taskName, string(source), chunk, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to insert task log: %w", err)
	}
	return nil
}

// GetTaskLogs lists a task's log chunks in (task, source, id) order.
func (s *Store) GetTaskLogs(ctx context.Context, taskName string, filter provenance.TaskLogFilter) ([]*provenance.TaskLog, error) {
	query := `SELECT id, task_name, source, chunk, created_at FROM task_logs WHERE task_name = ?`
	args := []any{taskName}

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query += ` ORDER BY task_name, source, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get task logs: %w", err)
	}
	defer rows.Close()

	var logs []*provenance.TaskLog
	for rows.Next() {
		var (
			entry     provenance.TaskLog
			source    string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskName, &source, &entry.Chunk, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		entry.Source = provenance.LogSource(source)
		entry.CreatedAt = parseTime(createdAt)
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

// CountTaskLogs counts a task's log chunks.
func (s *Store) CountTaskLogs(ctx context.Context, taskName string, source provenance.LogSource) (int64, error) {
	query := `SELECT COUNT(*) FROM task_logs WHERE task_name = ?`
	args := []any{taskName}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count task logs: %w", err)
	}
	return total, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession scans one session row.
func scanSession(row scanner) (*provenance.Session, error) {
	var (
		id         string
		subcommand string
		createdBy  string
		createdAt  string
	)
	if err := row.Scan(&id, &subcommand, &createdBy, &createdAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}

	return &provenance.Session{
		ID:         parsed,
		Subcommand: provenance.Subcommand(subcommand),
		CreatedBy:  createdBy,
		CreatedAt:  parseTime(createdAt),
	}, nil
}

// scanRun scans one run row.
func scanRun(row scanner) (*provenance.Run, error) {
	var (
		id, sessionID            string
		run                      provenance.Run
		status                   string
		outputs, errMsg, idxDir  sql.NullString
		startedAt, completedAt   sql.NullString
		createdAt                string
	)
	if err := row.Scan(&id, &sessionID, &run.Name, &run.Source, &status, &run.Inputs,
		&outputs, &errMsg, &run.Directory, &idxDir, &startedAt, &completedAt, &createdAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run.ID = parsed

	parsedSession, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	run.SessionID = parsedSession

	run.Status = provenance.RunStatus(status)
	if outputs.Valid {
		run.Outputs = &outputs.String
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if idxDir.Valid {
		run.IndexDirectory = &idxDir.String
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	run.CreatedAt = parseTime(createdAt)

	return &run, nil
}

// scanTask scans one task row.
func scanTask(row scanner) (*provenance.Task, error) {
	var (
		task                   provenance.Task
		runID, status          string
		exitStatus             sql.NullInt64
		errMsg                 sql.NullString
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&task.Name, &runID, &status, &exitStatus, &errMsg,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	task.RunID = parsed

	task.Status = provenance.TaskStatus(status)
	if exitStatus.Valid {
		exit := int(exitStatus.Int64)
		task.ExitStatus = &exit
	}
	if errMsg.Valid {
		task.Error = &errMsg.String
	}
	task.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		task.CompletedAt = &t
	}

	return &task, nil
}

// scanIndexEntries scans all index log rows.
func scanIndexEntries(rows *sql.Rows) ([]*provenance.IndexLogEntry, error) {
	var entries []*provenance.IndexLogEntry
	for rows.Next() {
		var (
			entry     provenance.IndexLogEntry
			runID     string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &runID, &entry.LinkPath, &entry.TargetPath, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan index log entry: %w", err)
		}
		parsed, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
		}
		entry.RunID = parsed
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// pageBounds applies pagination defaults.
func pageBounds(limit, offset int64) (int64, int64) {
	if limit <= 0 {
		limit = provenance.DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// timeLayout is RFC 3339 with fixed-width nanoseconds so lexicographic
// and chronological order agree.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr renders an optional timestamp for storage.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored timestamp.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
