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

package provenance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pagination defaults applied by stores when a filter leaves them unset.
const (
	// DefaultLimit is the default page size for list operations.
	DefaultLimit int64 = 100
)

// RunFilter filters and paginates run listings.
type RunFilter struct {
	// Status filters by run status when non-empty.
	Status RunStatus
	// Limit is the page size; 0 means DefaultLimit.
	Limit int64
	// Offset is the number of rows to skip.
	Offset int64
}

// TaskFilter filters and paginates task listings.
type TaskFilter struct {
	// RunID filters by owning run when non-nil.
	RunID *uuid.UUID
	// Status filters by task status when non-empty.
	Status TaskStatus
	// Limit is the page size; 0 means DefaultLimit.
	Limit int64
	// Offset is the number of rows to skip.
	Offset int64
}

// TaskLogFilter filters and paginates task log listings.
type TaskLogFilter struct {
	// Source filters by stream when non-empty.
	Source LogSource
	// Limit is the page size; 0 means DefaultLimit.
	Limit int64
	// Offset is the number of rows to skip.
	Offset int64
}

// Page paginates session listings.
type Page struct {
	// Limit is the page size; 0 means DefaultLimit.
	Limit int64
	// Offset is the number of rows to skip.
	Offset int64
}

// Store is the durable provenance store.
//
// The interface is intentionally granular: one operation per state
// transition, so writes are small and atomic and no caller can leave an
// entity half-updated. Read misses return nil (or false for updates),
// never an error. Composite transitions are provided as package-level
// helpers that sequence the narrow mutators.
type Store interface {
	// CreateSession creates a new session.
	CreateSession(ctx context.Context, id uuid.UUID, subcommand Subcommand, createdBy string) (*Session, error)

	// GetSession returns a session by ID, or nil if not found.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// ListSessions lists sessions ordered by creation time descending.
	ListSessions(ctx context.Context, page Page) ([]*Session, error)

	// CreateRun creates a new run with status RunQueued.
	CreateRun(ctx context.Context, id, sessionID uuid.UUID, name, source, inputs, directory string) (*Run, error)

	// UpdateRunStatus updates a run's status.
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus) error

	// UpdateRunStartedAt updates a run's started timestamp.
	UpdateRunStartedAt(ctx context.Context, id uuid.UUID, startedAt *time.Time) error

	// UpdateRunCompletedAt updates a run's completed timestamp.
	UpdateRunCompletedAt(ctx context.Context, id uuid.UUID, completedAt *time.Time) error

	// UpdateRunOutputs updates a run's JSON-encoded outputs.
	UpdateRunOutputs(ctx context.Context, id uuid.UUID, outputs string) error

	// UpdateRunError updates a run's error message.
	UpdateRunError(ctx context.Context, id uuid.UUID, message string) error

	// UpdateRunIndexDirectory updates a run's index directory. It
	// returns false if the run was not found.
	UpdateRunIndexDirectory(ctx context.Context, id uuid.UUID, indexDirectory string) (bool, error)

	// GetRun returns a run by ID, or nil if not found.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRuns lists runs ordered by created_at descending, then id.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// CountRuns counts runs matching the filter's status.
	CountRuns(ctx context.Context, status RunStatus) (int64, error)

	// ListRunsBySession lists a session's runs ordered by creation time.
	ListRunsBySession(ctx context.Context, sessionID uuid.UUID) ([]*Run, error)

	// CreateIndexLogEntry appends an index log entry.
	CreateIndexLogEntry(ctx context.Context, runID uuid.UUID, linkPath, targetPath string) (*IndexLogEntry, error)

	// ListIndexLogEntriesByRun lists a run's index log entries in
	// insertion order.
	ListIndexLogEntriesByRun(ctx context.Context, runID uuid.UUID) ([]*IndexLogEntry, error)

	// ListLatestIndexEntries returns, for each distinct link path, the
	// entry with the latest (created_at, id).
	ListLatestIndexEntries(ctx context.Context) ([]*IndexLogEntry, error)

	// CreateTask creates a new task record with status TaskPending.
	CreateTask(ctx context.Context, name string, runID uuid.UUID) (*Task, error)

	// UpdateTaskStarted marks a task as running. It returns false if no
	// task record exists.
	UpdateTaskStarted(ctx context.Context, name string, startedAt time.Time) (bool, error)

	// UpdateTaskCompleted marks a task as completed. It returns false if
	// no task record exists.
	UpdateTaskCompleted(ctx context.Context, name string, exitStatus *int, completedAt time.Time) (bool, error)

	// UpdateTaskFailed marks a task as failed. It returns false if no
	// task record exists.
	UpdateTaskFailed(ctx context.Context, name string, message string, completedAt time.Time) (bool, error)

	// UpdateTaskCanceled marks a task as canceled. It returns false if
	// no task record exists.
	UpdateTaskCanceled(ctx context.Context, name string, completedAt time.Time) (bool, error)

	// UpdateTaskPreempted marks a task as preempted. It returns false if
	// no task record exists.
	UpdateTaskPreempted(ctx context.Context, name string, completedAt time.Time) (bool, error)

	// GetTask returns a task by name, or nil if not found.
	GetTask(ctx context.Context, name string) (*Task, error)

	// ListTasks lists tasks with optional filters.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// CountTasks counts tasks matching the filter's run and status.
	CountTasks(ctx context.Context, runID *uuid.UUID, status TaskStatus) (int64, error)

	// InsertTaskLog appends a task log chunk.
	InsertTaskLog(ctx context.Context, taskName string, source LogSource, chunk []byte) error

	// GetTaskLogs lists a task's log chunks in (task, source, id) order.
	GetTaskLogs(ctx context.Context, taskName string, filter TaskLogFilter) ([]*TaskLog, error)

	// CountTaskLogs counts a task's log chunks.
	CountTaskLogs(ctx context.Context, taskName string, source LogSource) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// StartRun transitions a run to RunRunning with a started timestamp.
func StartRun(ctx context.Context, s Store, id uuid.UUID, startedAt time.Time) error {
	if err := s.UpdateRunStatus(ctx, id, RunRunning); err != nil {
		return err
	}
	return s.UpdateRunStartedAt(ctx, id, &startedAt)
}

// CompleteRun transitions a run to RunCompleted with a completed
// timestamp.
func CompleteRun(ctx context.Context, s Store, id uuid.UUID, completedAt time.Time) error {
	if err := s.UpdateRunStatus(ctx, id, RunCompleted); err != nil {
		return err
	}
	return s.UpdateRunCompletedAt(ctx, id, &completedAt)
}

// FailRun transitions a run to RunFailed with an error message and a
// completed timestamp.
func FailRun(ctx context.Context, s Store, id uuid.UUID, message string, completedAt time.Time) error {
	if err := s.UpdateRunStatus(ctx, id, RunFailed); err != nil {
		return err
	}
	if err := s.UpdateRunError(ctx, id, message); err != nil {
		return err
	}
	return s.UpdateRunCompletedAt(ctx, id, &completedAt)
}

// CancelRun transitions a run to RunCanceled with a completed timestamp.
func CancelRun(ctx context.Context, s Store, id uuid.UUID, completedAt time.Time) error {
	if err := s.UpdateRunStatus(ctx, id, RunCanceled); err != nil {
		return err
	}
	return s.UpdateRunCompletedAt(ctx, id, &completedAt)
}
