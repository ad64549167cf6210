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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/index"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// evaluate runs one workflow in a sibling goroutine. It consumes the
// evaluator's lifecycle events, then reports completion back into the
// command channel. The held concurrency permit is released by the
// command loop once the terminal transition is recorded.
func (m *Manager) evaluate(ctx context.Context, id uuid.UUID, p *pendingRun) {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "run.evaluate", trace.WithAttributes(
			attribute.String("run.id", id.String()),
			attribute.String("run.name", p.name),
		))
	}

	events := make(chan engine.Event, 64)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		m.consumeEvents(id, events)
	}()

	outputs, err := m.eval.Evaluate(ctx, engine.Request{
		RunID:      id.String(),
		RunName:    p.name,
		Source:     p.resolved.Display(),
		SourceKind: string(p.resolved.Kind),
		Inputs:     json.RawMessage(p.inputs),
		Dir:        p.dir.Root(),
	}, events)

	close(events)
	<-consumed

	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	select {
	case m.cmds <- runFinishedCmd{id: id, outputs: outputs, err: err}:
	case <-m.baseCtx.Done():
		// Shutdown: the run stays non-terminal and is failed on the
		// next startup.
	}
}

// consumeEvents records the evaluator's task lifecycle events. Each
// evaluator writes only to its own run, so these writes never interleave
// with another run's provenance.
func (m *Manager) consumeEvents(id uuid.UUID, events <-chan engine.Event) {
	// Event persistence outlives run cancellation.
	ctx := context.Background()

	for ev := range events {
		at := ev.Time
		if at.IsZero() {
			at = time.Now().UTC()
		}

		var (
			affected bool
			err      error
		)
		switch ev.Kind {
		case engine.EventTaskCreated:
			_, err = m.store.CreateTask(ctx, ev.Task, id)
			affected = true
		case engine.EventTaskStarted:
			affected, err = m.store.UpdateTaskStarted(ctx, ev.Task, at)
		case engine.EventTaskCompleted:
			exit := ev.ExitStatus
			affected, err = m.store.UpdateTaskCompleted(ctx, ev.Task, &exit, at)
		case engine.EventTaskFailed:
			affected, err = m.store.UpdateTaskFailed(ctx, ev.Task, ev.Error, at)
		case engine.EventTaskCanceled:
			affected, err = m.store.UpdateTaskCanceled(ctx, ev.Task, at)
		case engine.EventTaskPreempted:
			affected, err = m.store.UpdateTaskPreempted(ctx, ev.Task, at)
		case engine.EventTaskLog:
			source := provenance.LogStdout
			if ev.Source == engine.StreamStderr {
				source = provenance.LogStderr
			}
			err = m.store.InsertTaskLog(ctx, ev.Task, source, ev.Chunk)
			affected = true
		default:
			continue
		}

		if err != nil {
			m.logger.Error("failed to record task event",
				slog.String("run_id", id.String()),
				slog.String("task", ev.Task),
				slog.Any("error", err))
			continue
		}
		if !affected {
			m.logger.Warn("task record was never created",
				slog.String("run_id", id.String()),
				slog.String("task", ev.Task))
		}
	}
}

// handleRunFinished records an evaluator's result and performs the
// terminal transition for its run.
func (m *Manager) handleRunFinished(ctx context.Context, cmd runFinishedCmd) {
	id := cmd.id

	if cancel, ok := m.inflight[id]; ok {
		cancel()
		delete(m.inflight, id)
	}
	defer m.release()

	canceled := m.canceling[id]
	delete(m.canceling, id)

	now := time.Now().UTC()
	var status provenance.RunStatus

	switch {
	case canceled || errors.Is(cmd.err, context.Canceled):
		status = provenance.RunCanceled
		if err := provenance.CancelRun(ctx, m.store, id, now); err != nil {
			m.logger.Error("failed to record run cancellation",
				slog.String("run_id", id.String()),
				slog.Any("error", err))
		}
	case cmd.err != nil:
		status = provenance.RunFailed
		m.failRun(ctx, id, cmd.err.Error())
	default:
		status = provenance.RunCompleted
		if err := m.completeRun(ctx, id, cmd.outputs); err != nil {
			status = provenance.RunFailed
			m.failRun(ctx, id, err.Error())
		}
	}

	if m.metrics != nil {
		m.metrics.RecordFinished(string(status), true)
	}

	m.logger.Info("run finished",
		slog.String("run_id", id.String()),
		slog.String("status", string(status)))
}

// completeRun materializes a completed run's outputs, records the
// completion, and indexes the output files. Index entry failures do not
// fail the run; they are surfaced to operators via logs.
func (m *Manager) completeRun(ctx context.Context, id uuid.UUID, outputs engine.Outputs) error {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s disappeared from the store", id)
	}

	if outputs == nil {
		outputs = engine.Outputs{}
	}

	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	runDir := m.outDir.WorkflowRun(runDirName(run))
	if err := os.WriteFile(runDir.OutputsFile(), encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write outputs file: %w", err)
	}

	if err := m.store.UpdateRunStatus(ctx, id, provenance.RunCompleted); err != nil {
		return err
	}
	if err := m.store.UpdateRunOutputs(ctx, id, string(encoded)); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.store.UpdateRunCompletedAt(ctx, id, &now); err != nil {
		return err
	}

	indexPath := run.Name
	if err := index.CreateEntries(ctx, m.store, id, runDir, indexPath, outputs, m.logger); err != nil {
		m.logger.Error("failed to index run outputs",
			slog.String("run_id", id.String()),
			slog.Any("error", err))
		return nil
	}

	relIndex, ok := m.outDir.MakeRelative(m.outDir.IndexDir(indexPath))
	if ok {
		if found, err := m.store.UpdateRunIndexDirectory(ctx, id, relIndex); err != nil {
			m.logger.Error("failed to record index directory",
				slog.String("run_id", id.String()),
				slog.Any("error", err))
		} else if !found {
			m.logger.Warn("run disappeared while recording index directory",
				slog.String("run_id", id.String()))
		}
	}

	return nil
}

// runDirName extracts the run directory's name component from the
// stored relative path ("runs/<name>").
func runDirName(run *provenance.Run) string {
	const prefix = "runs/"
	if len(run.Directory) > len(prefix) && run.Directory[:len(prefix)] == prefix {
		return run.Directory[len(prefix):]
	}
	return run.Directory
}
