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

package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/source"
)

// Command is a typed request processed by the run manager's command
// loop. Every external command carries a one-shot reply channel; the
// manager sends exactly one reply and never blocks on a gone receiver.
type Command interface {
	isCommand()
}

// PingCmd checks manager liveness.
type PingCmd struct {
	Reply chan struct{}
}

// SubmitRunCmd submits a new run.
type SubmitRunCmd struct {
	Source source.Request
	Inputs string
	Name   string
	Reply  chan SubmitRunResponse
}

// SubmitRunResponse is the reply to SubmitRunCmd.
type SubmitRunResponse struct {
	Run *provenance.Run
	Err error
}

// ListRunsCmd lists runs.
type ListRunsCmd struct {
	Filter provenance.RunFilter
	Reply  chan ListRunsResponse
}

// ListRunsResponse is the reply to ListRunsCmd.
type ListRunsResponse struct {
	Runs  []*provenance.Run
	Total int64
	Err   error
}

// CountRunsCmd counts runs.
type CountRunsCmd struct {
	Status provenance.RunStatus
	Reply  chan CountRunsResponse
}

// CountRunsResponse is the reply to CountRunsCmd.
type CountRunsResponse struct {
	Total int64
	Err   error
}

// GetRunCmd fetches one run.
type GetRunCmd struct {
	ID    uuid.UUID
	Reply chan GetRunResponse
}

// GetRunResponse is the reply to GetRunCmd.
type GetRunResponse struct {
	Run *provenance.Run
	Err error
}

// CancelRunCmd requests cancellation of a run.
type CancelRunCmd struct {
	ID    uuid.UUID
	Reply chan CancelRunResponse
}

// CancelRunResponse is the reply to CancelRunCmd.
type CancelRunResponse struct {
	Err error
}

// GetRunIndexCmd fetches a run's index log entries.
type GetRunIndexCmd struct {
	ID    uuid.UUID
	Reply chan GetRunIndexResponse
}

// GetRunIndexResponse is the reply to GetRunIndexCmd.
type GetRunIndexResponse struct {
	Entries []*provenance.IndexLogEntry
	Err     error
}

// GetTaskCmd fetches one task by name.
type GetTaskCmd struct {
	Name  string
	Reply chan GetTaskResponse
}

// GetTaskResponse is the reply to GetTaskCmd.
type GetTaskResponse struct {
	Task *provenance.Task
	Err  error
}

// ListTasksCmd lists tasks.
type ListTasksCmd struct {
	Filter provenance.TaskFilter
	Reply  chan ListTasksResponse
}

// ListTasksResponse is the reply to ListTasksCmd.
type ListTasksResponse struct {
	Tasks []*provenance.Task
	Total int64
	Err   error
}

// GetTaskLogsCmd fetches a task's log chunks.
type GetTaskLogsCmd struct {
	Name   string
	Filter provenance.TaskLogFilter
	Reply  chan GetTaskLogsResponse
}

// GetTaskLogsResponse is the reply to GetTaskLogsCmd.
type GetTaskLogsResponse struct {
	Logs  []*provenance.TaskLog
	Total int64
	Err   error
}

// ListSessionsCmd lists sessions.
type ListSessionsCmd struct {
	Page  provenance.Page
	Reply chan ListSessionsResponse
}

// ListSessionsResponse is the reply to ListSessionsCmd.
type ListSessionsResponse struct {
	Sessions []*provenance.Session
	Err      error
}

// GetSessionCmd fetches one session and its runs.
type GetSessionCmd struct {
	ID    uuid.UUID
	Reply chan GetSessionResponse
}

// GetSessionResponse is the reply to GetSessionCmd.
type GetSessionResponse struct {
	Session *provenance.Session
	Runs    []*provenance.Run
	Err     error
}

// runFinishedCmd re-enters the command loop when an evaluator resolves.
type runFinishedCmd struct {
	id      uuid.UUID
	outputs engine.Outputs
	err     error
}

func (PingCmd) isCommand()         {}
func (SubmitRunCmd) isCommand()    {}
func (ListRunsCmd) isCommand()     {}
func (CountRunsCmd) isCommand()    {}
func (GetRunCmd) isCommand()       {}
func (CancelRunCmd) isCommand()    {}
func (GetRunIndexCmd) isCommand()  {}
func (GetTaskCmd) isCommand()      {}
func (ListTasksCmd) isCommand()    {}
func (GetTaskLogsCmd) isCommand()  {}
func (ListSessionsCmd) isCommand() {}
func (GetSessionCmd) isCommand()   {}
func (runFinishedCmd) isCommand()  {}

// Handle is the client side of the manager's command channel. It is
// safe for concurrent use.
type Handle struct {
	cmds chan<- Command
}

// send pushes a command onto the bounded channel, honoring ctx.
func (h Handle) send(ctx context.Context, cmd Command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send manager command: %w", ctx.Err())
	}
}

// Ping checks that the manager's command loop is alive.
func (h Handle) Ping(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := h.send(ctx, PingCmd{Reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRun submits a new run and returns the created record.
func (h Handle) SubmitRun(ctx context.Context, src source.Request, inputs, name string) (*provenance.Run, error) {
	reply := make(chan SubmitRunResponse, 1)
	if err := h.send(ctx, SubmitRunCmd{Source: src, Inputs: inputs, Name: name, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp.Run, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListRuns lists runs with their total count before pagination.
func (h Handle) ListRuns(ctx context.Context, filter provenance.RunFilter) ([]*provenance.Run, int64, error) {
	reply := make(chan ListRunsResponse, 1)
	if err := h.send(ctx, ListRunsCmd{Filter: filter, Reply: reply}); err != nil {
		return nil, 0, err
	}
	select {
	case resp := <-reply:
		return resp.Runs, resp.Total, resp.Err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// CountRuns counts runs, optionally filtered by status.
func (h Handle) CountRuns(ctx context.Context, status provenance.RunStatus) (int64, error) {
	reply := make(chan CountRunsResponse, 1)
	if err := h.send(ctx, CountRunsCmd{Status: status, Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case resp := <-reply:
		return resp.Total, resp.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GetRun fetches one run.
func (h Handle) GetRun(ctx context.Context, id uuid.UUID) (*provenance.Run, error) {
	reply := make(chan GetRunResponse, 1)
	if err := h.send(ctx, GetRunCmd{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp.Run, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelRun requests cancellation of a run.
func (h Handle) CancelRun(ctx context.Context, id uuid.UUID) error {
	reply := make(chan CancelRunResponse, 1)
	if err := h.send(ctx, CancelRunCmd{ID: id, Reply: reply}); err != nil {
		return err
	}
	select {
	case resp := <-reply:
		return resp.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRunIndex fetches a run's index log entries.
func (h Handle) GetRunIndex(ctx context.Context, id uuid.UUID) ([]*provenance.IndexLogEntry, error) {
	reply := make(chan GetRunIndexResponse, 1)
	if err := h.send(ctx, GetRunIndexCmd{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp.Entries, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetTask fetches one task by name.
func (h Handle) GetTask(ctx context.Context, name string) (*provenance.Task, error) {
	reply := make(chan GetTaskResponse, 1)
	if err := h.send(ctx, GetTaskCmd{Name: name, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp.Task, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListTasks lists tasks with their total count before pagination.
func (h Handle) ListTasks(ctx context.Context, filter provenance.TaskFilter) ([]*provenance.Task, int64, error) {
	reply := make(chan ListTasksResponse, 1)
	if err := h.send(ctx, ListTasksCmd{Filter: filter, Reply: reply}); err != nil {
		return nil, 0, err
	}
	select {
	case resp := <-reply:
		return resp.Tasks, resp.Total, resp.Err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// GetTaskLogs fetches a task's log chunks with their total count.
func (h Handle) GetTaskLogs(ctx context.Context, name string, filter provenance.TaskLogFilter) ([]*provenance.TaskLog, int64, error) {
	reply := make(chan GetTaskLogsResponse, 1)
	if err := h.send(ctx, GetTaskLogsCmd{Name: name, Filter: filter, Reply: reply}); err != nil {
		return nil, 0, err
	}
	select {
	case resp := <-reply:
		return resp.Logs, resp.Total, resp.Err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// ListSessions lists sessions.
func (h Handle) ListSessions(ctx context.Context, page provenance.Page) ([]*provenance.Session, error) {
	reply := make(chan ListSessionsResponse, 1)
	if err := h.send(ctx, ListSessionsCmd{Page: page, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp.Sessions, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetSession fetches one session and its runs.
func (h Handle) GetSession(ctx context.Context, id uuid.UUID) (*provenance.Session, []*provenance.Run, error) {
	reply := make(chan GetSessionResponse, 1)
	if err := h.send(ctx, GetSessionCmd{ID: id, Reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case resp := <-reply:
		return resp.Session, resp.Runs, resp.Err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
