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

// Package provenance defines the durable record of what was submitted,
// what happened, and where the artifacts landed.
package provenance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the status of a run.
type RunStatus string

const (
	// RunQueued means the run is queued for execution.
	RunQueued RunStatus = "queued"
	// RunRunning means the run is currently running.
	RunRunning RunStatus = "running"
	// RunCompleted means the run completed successfully.
	RunCompleted RunStatus = "completed"
	// RunFailed means the run failed with an error.
	RunFailed RunStatus = "failed"
	// RunCanceling means cancellation was requested but the run has not
	// yet reached its terminal state.
	RunCanceling RunStatus = "canceling"
	// RunCanceled means the run was canceled.
	RunCanceled RunStatus = "canceled"
)

// ParseRunStatus parses a lowercase run status string.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunQueued, RunRunning, RunCompleted, RunFailed, RunCanceling, RunCanceled:
		return RunStatus(s), nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

// Terminal reports whether the status is terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Subcommand is the sprocket subcommand used to submit runs.
type Subcommand string

const (
	// SubcommandRun marks sessions created by the `run` command.
	SubcommandRun Subcommand = "run"
	// SubcommandServer marks sessions created via an HTTP request to a
	// server.
	SubcommandServer Subcommand = "server"
)

// ParseSubcommand parses a lowercase subcommand string.
func ParseSubcommand(s string) (Subcommand, error) {
	switch Subcommand(s) {
	case SubcommandRun, SubcommandServer:
		return Subcommand(s), nil
	default:
		return "", fmt.Errorf("invalid session subcommand: %q", s)
	}
}

// TaskStatus is the execution status of a task.
type TaskStatus string

const (
	// TaskPending means the task has been created.
	TaskPending TaskStatus = "pending"
	// TaskRunning means the task is executing.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means the task completed successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the task execution failed.
	TaskFailed TaskStatus = "failed"
	// TaskCanceled means the task was canceled.
	TaskCanceled TaskStatus = "canceled"
	// TaskPreempted means the task was preempted.
	TaskPreempted TaskStatus = "preempted"
)

// ParseTaskStatus parses a lowercase task status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCanceled, TaskPreempted:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("invalid task status: %q", s)
	}
}

// LogSource is the stream a task log chunk was captured from.
type LogSource string

const (
	// LogStdout is the standard output stream.
	LogStdout LogSource = "stdout"
	// LogStderr is the standard error stream.
	LogStderr LogSource = "stderr"
)

// ParseLogSource parses a lowercase log source string.
func ParseLogSource(s string) (LogSource, error) {
	switch LogSource(s) {
	case LogStdout, LogStderr:
		return LogSource(s), nil
	default:
		return "", fmt.Errorf("invalid log source: %q", s)
	}
}

// Session groups related run submissions from one client interaction.
type Session struct {
	// ID is the unique identifier.
	ID uuid.UUID `json:"id"`
	// Subcommand is the sprocket subcommand that created this session.
	Subcommand Subcommand `json:"subcommand"`
	// CreatedBy identifies the user or system that created this session.
	CreatedBy string `json:"created_by"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
}

// Run is one workflow execution request.
type Run struct {
	// ID is the unique identifier.
	ID uuid.UUID `json:"id"`
	// SessionID is the session that submitted this run.
	SessionID uuid.UUID `json:"session_id"`
	// Name is the run's display name.
	Name string `json:"name"`
	// Source is the WDL source: a file path, a URL, or "inline".
	Source string `json:"source"`
	// Status is the current status.
	Status RunStatus `json:"status"`
	// Inputs is the JSON-encoded inputs document.
	Inputs string `json:"inputs"`
	// Outputs is the JSON-encoded outputs document, nil until completed.
	Outputs *string `json:"outputs"`
	// Error is the error message if the run failed.
	Error *string `json:"error"`
	// Directory is the run directory path relative to the output root.
	Directory string `json:"directory"`
	// IndexDirectory is the indexed output directory, nil if not indexed.
	IndexDirectory *string `json:"index_directory"`
	// StartedAt is when the run started executing.
	StartedAt *time.Time `json:"started_at"`
	// CompletedAt is when the run reached its terminal state.
	CompletedAt *time.Time `json:"completed_at"`
	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`
}

// Task is one invocation of a WDL task inside a run.
type Task struct {
	// Name is the qualified task name.
	Name string `json:"name"`
	// RunID is the run managing this task.
	RunID uuid.UUID `json:"run_id"`
	// Status is the current task status.
	Status TaskStatus `json:"status"`
	// ExitStatus is the process exit status, set on completion.
	ExitStatus *int `json:"exit_status"`
	// Error is the error message if the task failed.
	Error *string `json:"error"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task started executing.
	StartedAt *time.Time `json:"started_at"`
	// CompletedAt is when the task reached its terminal state.
	CompletedAt *time.Time `json:"completed_at"`
}

// TaskLog is an append-only chunk of bytes captured from a task stream.
type TaskLog struct {
	// ID is the monotonic identifier.
	ID int64 `json:"id"`
	// TaskName is the task the chunk belongs to.
	TaskName string `json:"task_name"`
	// Source is the stream the chunk was captured from.
	Source LogSource `json:"source"`
	// Chunk is the raw log data.
	Chunk []byte `json:"chunk"`
	// CreatedAt is when the chunk was received.
	CreatedAt time.Time `json:"created_at"`
}

// IndexLogEntry is an append-only record of a symlink creation.
type IndexLogEntry struct {
	// ID is the monotonic identifier.
	ID int64 `json:"id"`
	// RunID is the run that created this entry.
	RunID uuid.UUID `json:"run_id"`
	// LinkPath is the symlink path relative to the output root. It
	// always begins with "./index/".
	LinkPath string `json:"link_path"`
	// TargetPath is the symlink target relative to the output root. It
	// always begins with "./runs/".
	TargetPath string `json:"target_path"`
	// CreatedAt is when the symlink was created.
	CreatedAt time.Time `json:"created_at"`
}
