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

// Package engine defines the boundary to the WDL runtime.
//
// The runtime itself lives outside this repository; the run manager only
// depends on the Evaluator interface, which takes a resolved workflow
// source plus inputs and produces typed outputs while emitting task
// lifecycle events.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// StreamSource identifies which standard stream a log chunk came from.
type StreamSource string

const (
	// StreamStdout is the standard output stream.
	StreamStdout StreamSource = "stdout"
	// StreamStderr is the standard error stream.
	StreamStderr StreamSource = "stderr"
)

// EventKind identifies a task lifecycle event.
type EventKind int

const (
	// EventTaskCreated signals that the runtime registered a task.
	EventTaskCreated EventKind = iota
	// EventTaskStarted signals that a task began executing.
	EventTaskStarted
	// EventTaskCompleted signals that a task finished successfully.
	EventTaskCompleted
	// EventTaskFailed signals that a task failed.
	EventTaskFailed
	// EventTaskCanceled signals that a task was canceled.
	EventTaskCanceled
	// EventTaskPreempted signals that a task was preempted by the backend.
	EventTaskPreempted
	// EventTaskLog carries a chunk of task stdout or stderr.
	EventTaskLog
)

// Event is a task lifecycle notification emitted by an evaluator.
//
// Task names must be unique across the whole deployment; evaluators
// qualify the WDL task name with the run's directory name.
type Event struct {
	Kind EventKind
	// Task is the qualified task name the event refers to.
	Task string
	// ExitStatus is set for EventTaskCompleted.
	ExitStatus int
	// Error is set for EventTaskFailed.
	Error string
	// Source and Chunk are set for EventTaskLog.
	Source StreamSource
	Chunk  []byte
	// Time is when the event occurred.
	Time time.Time
}

// Request describes one evaluation to perform.
type Request struct {
	// RunID is the canonical string form of the run's identifier.
	RunID string
	// RunName is the run's display name.
	RunName string
	// Source is the resolved workflow source: inline document content,
	// a local file path, or a URL, as indicated by SourceKind.
	Source string
	// SourceKind is "inline", "path" or "url".
	SourceKind string
	// Inputs is the verbatim submitted inputs document.
	Inputs json.RawMessage
	// Dir is the absolute path of the run's execution directory. Task
	// artifacts and output files are written beneath it.
	Dir string
}

// Evaluator turns a workflow source plus inputs into outputs.
//
// Evaluate blocks until the workflow finishes or ctx is canceled. Events
// are sent on the events channel as they occur; the channel is owned by
// the caller and must not be closed by the evaluator. On cancellation,
// Evaluate returns ctx.Err().
type Evaluator interface {
	Evaluate(ctx context.Context, req Request, events chan<- Event) (Outputs, error)
}
