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

// Package manager schedules runs against a bounded concurrency pool and
// drives them through the lifecycle state machine, recording every state
// change in the provenance store.
//
// The manager is a single long-lived goroutine: all external actors talk
// to it over a bounded channel of typed commands, so every decision that
// touches the permit pool or the in-flight map is linearizable.
// Evaluators run in sibling goroutines, each holding one concurrency
// permit, and report completion by sending a message back into the same
// command channel.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/config"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/metrics"
	"github.com/sprocket-wdl/sprocket/internal/output"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/source"
	"go.opentelemetry.io/otel/trace"
)

// Capacity of the command channel.
const commandBuffer = 1000

// Error message recorded against runs found non-terminal at startup.
const interruptedError = "run interrupted by server restart"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for illegal state transitions, such as
// canceling a terminal run.
var ErrConflict = errors.New("conflict")

// Options configures a Manager.
type Options struct {
	// Config is the validated server configuration.
	Config *config.Config
	// Store is the provenance store.
	Store provenance.Store
	// OutputDir is the output directory handle.
	OutputDir output.Directory
	// Evaluator executes workflows.
	Evaluator engine.Evaluator
	// Logger receives manager logs; defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives run metrics; optional.
	Metrics *metrics.Collector
	// Tracer records run spans; optional.
	Tracer trace.Tracer
	// Subcommand is recorded on the session created for submissions.
	Subcommand provenance.Subcommand
	// CreatedBy identifies the submitter on the session; defaults to
	// the process owner.
	CreatedBy string
}

// pendingRun is a queued run's submission context, held until a permit
// is acquired.
type pendingRun struct {
	name     string
	resolved *source.Resolved
	inputs   string
	dir      output.RunDirectory
}

// Manager is the run scheduler.
type Manager struct {
	cfg     *config.Config
	store   provenance.Store
	outDir  output.Directory
	eval    engine.Evaluator
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	subcommand provenance.Subcommand
	createdBy  string

	cmds    chan Command
	permits chan struct{}

	// State below is owned by the command loop goroutine.
	session   *provenance.Session
	queue     []uuid.UUID
	pending   map[uuid.UUID]*pendingRun
	inflight  map[uuid.UUID]context.CancelFunc
	canceling map[uuid.UUID]bool

	baseCtx context.Context
	done    chan struct{}
}

// New creates a new Manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = os.Getenv("USER")
		if createdBy == "" {
			createdBy = "unknown"
		}
	}

	var permits chan struct{}
	if opts.Config.MaxConcurrentRuns != nil {
		permits = make(chan struct{}, *opts.Config.MaxConcurrentRuns)
	}

	return &Manager{
		cfg:        opts.Config,
		store:      opts.Store,
		outDir:     opts.OutputDir,
		eval:       opts.Evaluator,
		logger:     logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		subcommand: opts.Subcommand,
		createdBy:  createdBy,
		cmds:       make(chan Command, commandBuffer),
		permits:    permits,
		pending:    make(map[uuid.UUID]*pendingRun),
		inflight:   make(map[uuid.UUID]context.CancelFunc),
		canceling:  make(map[uuid.UUID]bool),
		done:       make(chan struct{}),
	}
}

// Handle returns the client side of the manager's command channel.
func (m *Manager) Handle() Handle {
	return Handle{cmds: m.cmds}
}

// Start recovers interrupted runs, then launches the command loop. The
// loop runs until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recoverInterrupted(ctx); err != nil {
		return err
	}

	m.baseCtx = ctx
	go m.loop(ctx)
	return nil
}

// Done is closed when the command loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// recoverInterrupted marks every non-terminal run left by a prior
// process as failed.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	now := time.Now().UTC()
	for _, status := range []provenance.RunStatus{provenance.RunQueued, provenance.RunRunning, provenance.RunCanceling} {
		for {
			runs, err := m.store.ListRuns(ctx, provenance.RunFilter{Status: status})
			if err != nil {
				return fmt.Errorf("failed to list interrupted runs: %w", err)
			}
			if len(runs) == 0 {
				break
			}
			for _, run := range runs {
				m.logger.Warn("failing run interrupted by restart",
					slog.String("run_id", run.ID.String()),
					slog.String("status", string(run.Status)))
				if err := provenance.FailRun(ctx, m.store, run.ID, interruptedError, now); err != nil {
					return fmt.Errorf("failed to fail interrupted run %s: %w", run.ID, err)
				}
			}
		}
	}
	return nil
}

// loop is the manager's command loop.
func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	for {
		m.admit(ctx)

		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			m.handle(ctx, cmd)
		}
	}
}

// handle dispatches one command.
func (m *Manager) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case PingCmd:
		c.Reply <- struct{}{}
	case SubmitRunCmd:
		c.Reply <- m.handleSubmit(ctx, c)
	case ListRunsCmd:
		c.Reply <- m.handleListRuns(ctx, c)
	case CountRunsCmd:
		total, err := m.store.CountRuns(ctx, c.Status)
		c.Reply <- CountRunsResponse{Total: total, Err: err}
	case GetRunCmd:
		run, err := m.store.GetRun(ctx, c.ID)
		if err == nil && run == nil {
			err = ErrNotFound
		}
		c.Reply <- GetRunResponse{Run: run, Err: err}
	case CancelRunCmd:
		c.Reply <- CancelRunResponse{Err: m.handleCancel(ctx, c.ID)}
	case GetRunIndexCmd:
		c.Reply <- m.handleGetRunIndex(ctx, c.ID)
	case GetTaskCmd:
		task, err := m.store.GetTask(ctx, c.Name)
		if err == nil && task == nil {
			err = ErrNotFound
		}
		c.Reply <- GetTaskResponse{Task: task, Err: err}
	case ListTasksCmd:
		c.Reply <- m.handleListTasks(ctx, c)
	case GetTaskLogsCmd:
		c.Reply <- m.handleGetTaskLogs(ctx, c)
	case ListSessionsCmd:
		sessions, err := m.store.ListSessions(ctx, c.Page)
		c.Reply <- ListSessionsResponse{Sessions: sessions, Err: err}
	case GetSessionCmd:
		c.Reply <- m.handleGetSession(ctx, c.ID)
	case runFinishedCmd:
		m.handleRunFinished(ctx, c)
	}
}

// handleSubmit validates a submission, records the run as queued, and
// replies immediately with the created record. Admission happens later
// in the command loop, so submission latency is independent of queue
// depth.
func (m *Manager) handleSubmit(ctx context.Context, cmd SubmitRunCmd) SubmitRunResponse {
	resolved, err := source.Resolve(m.cfg, cmd.Source)
	if err != nil {
		return SubmitRunResponse{Err: err}
	}

	if m.session == nil {
		session, err := m.store.CreateSession(ctx, uuid.New(), m.subcommand, m.createdBy)
		if err != nil {
			return SubmitRunResponse{Err: fmt.Errorf("failed to create session: %w", err)}
		}
		m.session = session
	}

	id := uuid.New()
	name := cmd.Name
	if name == "" {
		name = "run-" + id.String()[:8]
	}
	name = sanitizeName(name)

	inputs := cmd.Inputs
	if strings.TrimSpace(inputs) == "" {
		inputs = "{}"
	}

	runDir, err := m.outDir.EnsureWorkflowRun(name + "-" + id.String())
	if err != nil {
		return SubmitRunResponse{Err: err}
	}

	if err := os.WriteFile(runDir.InputsFile(), []byte(inputs), 0o644); err != nil {
		return SubmitRunResponse{Err: fmt.Errorf("failed to write inputs file: %w", err)}
	}

	run, err := m.store.CreateRun(ctx, id, m.session.ID, name, resolved.Display(), inputs, runDir.RelativePath())
	if err != nil {
		return SubmitRunResponse{Err: err}
	}

	m.pending[id] = &pendingRun{
		name:     name,
		resolved: resolved,
		inputs:   inputs,
		dir:      runDir,
	}
	m.queue = append(m.queue, id)

	if m.metrics != nil {
		m.metrics.RecordSubmitted()
	}

	m.logger.Info("run submitted",
		slog.String("run_id", id.String()),
		slog.String("name", name),
		slog.String("source", run.Source))

	return SubmitRunResponse{Run: run}
}

// handleListRuns lists runs along with the total count before
// pagination.
func (m *Manager) handleListRuns(ctx context.Context, cmd ListRunsCmd) ListRunsResponse {
	runs, err := m.store.ListRuns(ctx, cmd.Filter)
	if err != nil {
		return ListRunsResponse{Err: err}
	}
	total, err := m.store.CountRuns(ctx, cmd.Filter.Status)
	if err != nil {
		return ListRunsResponse{Err: err}
	}
	return ListRunsResponse{Runs: runs, Total: total}
}

// handleListTasks lists tasks along with the total count before
// pagination.
func (m *Manager) handleListTasks(ctx context.Context, cmd ListTasksCmd) ListTasksResponse {
	tasks, err := m.store.ListTasks(ctx, cmd.Filter)
	if err != nil {
		return ListTasksResponse{Err: err}
	}
	total, err := m.store.CountTasks(ctx, cmd.Filter.RunID, cmd.Filter.Status)
	if err != nil {
		return ListTasksResponse{Err: err}
	}
	return ListTasksResponse{Tasks: tasks, Total: total}
}

// handleGetTaskLogs fetches a task's log chunks. The task must exist.
func (m *Manager) handleGetTaskLogs(ctx context.Context, cmd GetTaskLogsCmd) GetTaskLogsResponse {
	task, err := m.store.GetTask(ctx, cmd.Name)
	if err != nil {
		return GetTaskLogsResponse{Err: err}
	}
	if task == nil {
		return GetTaskLogsResponse{Err: ErrNotFound}
	}

	logs, err := m.store.GetTaskLogs(ctx, cmd.Name, cmd.Filter)
	if err != nil {
		return GetTaskLogsResponse{Err: err}
	}
	total, err := m.store.CountTaskLogs(ctx, cmd.Name, cmd.Filter.Source)
	if err != nil {
		return GetTaskLogsResponse{Err: err}
	}
	return GetTaskLogsResponse{Logs: logs, Total: total}
}

// handleGetSession fetches a session and its runs.
func (m *Manager) handleGetSession(ctx context.Context, id uuid.UUID) GetSessionResponse {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return GetSessionResponse{Err: err}
	}
	if session == nil {
		return GetSessionResponse{Err: ErrNotFound}
	}
	runs, err := m.store.ListRunsBySession(ctx, id)
	if err != nil {
		return GetSessionResponse{Err: err}
	}
	return GetSessionResponse{Session: session, Runs: runs}
}

// handleGetRunIndex fetches a run's index log entries.
func (m *Manager) handleGetRunIndex(ctx context.Context, id uuid.UUID) GetRunIndexResponse {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return GetRunIndexResponse{Err: err}
	}
	if run == nil {
		return GetRunIndexResponse{Err: ErrNotFound}
	}
	entries, err := m.store.ListIndexLogEntriesByRun(ctx, id)
	return GetRunIndexResponse{Entries: entries, Err: err}
}

// handleCancel transitions a run toward RunCanceled.
func (m *Manager) handleCancel(ctx context.Context, id uuid.UUID) error {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrNotFound
	}

	switch run.Status {
	case provenance.RunQueued:
		// Cancel before admission: the run never acquires a permit.
		if err := m.store.UpdateRunStatus(ctx, id, provenance.RunCanceling); err != nil {
			return err
		}
		if err := provenance.CancelRun(ctx, m.store, id, time.Now().UTC()); err != nil {
			return err
		}
		m.dropQueued(id)
		if m.metrics != nil {
			m.metrics.RecordFinished(string(provenance.RunCanceled), false)
		}
		m.logger.Info("run canceled before admission", slog.String("run_id", id.String()))
		return nil
	case provenance.RunRunning:
		if err := m.store.UpdateRunStatus(ctx, id, provenance.RunCanceling); err != nil {
			return err
		}
		m.canceling[id] = true
		if cancel, ok := m.inflight[id]; ok {
			cancel()
		}
		m.logger.Info("run cancellation requested", slog.String("run_id", id.String()))
		return nil
	default:
		return fmt.Errorf("%w: run %s is %s", ErrConflict, id, run.Status)
	}
}

// dropQueued removes a run from the admission queue.
func (m *Manager) dropQueued(id uuid.UUID) {
	delete(m.pending, id)
	for i, queued := range m.queue {
		if queued == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

// admit promotes queued runs to running while permits are available.
// Runs are admitted strictly in submission order.
func (m *Manager) admit(ctx context.Context) {
	for len(m.queue) > 0 {
		if !m.tryAcquire() {
			return
		}

		id := m.queue[0]
		m.queue = m.queue[1:]
		p := m.pending[id]
		delete(m.pending, id)
		if p == nil {
			m.release()
			continue
		}

		if err := provenance.StartRun(ctx, m.store, id, time.Now().UTC()); err != nil {
			m.logger.Error("failed to start run",
				slog.String("run_id", id.String()),
				slog.Any("error", err))
			m.failRun(ctx, id, err.Error())
			if m.metrics != nil {
				m.metrics.RecordFinished(string(provenance.RunFailed), false)
			}
			m.release()
			continue
		}

		runCtx, cancel := context.WithCancel(m.baseCtx)
		m.inflight[id] = cancel

		if m.metrics != nil {
			m.metrics.RecordStarted()
		}

		m.logger.Info("run started",
			slog.String("run_id", id.String()),
			slog.String("name", p.name))

		go m.evaluate(runCtx, id, p)
	}
}

// tryAcquire attempts to take one concurrency permit without blocking.
func (m *Manager) tryAcquire() bool {
	if m.permits == nil {
		return true
	}
	select {
	case m.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// release returns one concurrency permit.
func (m *Manager) release() {
	if m.permits == nil {
		return
	}
	<-m.permits
}

// failRun records a failure against a run. A storage error while failing
// the run is logged and the run is left in its prior state.
func (m *Manager) failRun(ctx context.Context, id uuid.UUID, message string) {
	if err := provenance.FailRun(ctx, m.store, id, message, time.Now().UTC()); err != nil {
		m.logger.Error("failed to record run failure",
			slog.String("run_id", id.String()),
			slog.Any("error", err))
	}
}

// sanitizeName reduces a display name to characters safe for directory
// and index path components.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
