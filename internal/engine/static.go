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

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Static is an Evaluator that runs a single synthetic task and returns a
// fixed output set. It stands in for the WDL runtime until one is bound,
// and backs the manager and server tests.
type Static struct {
	// Outputs is returned from Evaluate on success.
	Outputs Outputs
	// Files maps file names to contents written into the run directory
	// before returning, so File outputs have real targets.
	Files map[string][]byte
	// TaskName overrides the synthetic task's base name (default "main").
	TaskName string
	// Delay is slept between the task's started and completed events.
	Delay time.Duration
	// Err, when set, fails the evaluation after the delay.
	Err error
	// Logs are emitted as stdout chunks for the synthetic task.
	Logs [][]byte
}

var _ Evaluator = (*Static)(nil)

// Evaluate runs the synthetic task.
func (s *Static) Evaluate(ctx context.Context, req Request, events chan<- Event) (Outputs, error) {
	base := s.TaskName
	if base == "" {
		base = "main"
	}
	task := fmt.Sprintf("%s.%s", filepath.Base(req.Dir), base)

	now := time.Now().UTC()
	events <- Event{Kind: EventTaskCreated, Task: task, Time: now}
	events <- Event{Kind: EventTaskStarted, Task: task, Time: now}

	for _, chunk := range s.Logs {
		events <- Event{Kind: EventTaskLog, Task: task, Source: StreamStdout, Chunk: chunk, Time: time.Now().UTC()}
	}

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			events <- Event{Kind: EventTaskCanceled, Task: task, Time: time.Now().UTC()}
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	if err := ctx.Err(); err != nil {
		events <- Event{Kind: EventTaskCanceled, Task: task, Time: time.Now().UTC()}
		return nil, err
	}

	if s.Err != nil {
		events <- Event{Kind: EventTaskFailed, Task: task, Error: s.Err.Error(), Time: time.Now().UTC()}
		return nil, s.Err
	}

	for name, content := range s.Files {
		path := filepath.Join(req.Dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			events <- Event{Kind: EventTaskFailed, Task: task, Error: err.Error(), Time: time.Now().UTC()}
			return nil, fmt.Errorf("failed to write task artifact %s: %w", name, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			events <- Event{Kind: EventTaskFailed, Task: task, Error: err.Error(), Time: time.Now().UTC()}
			return nil, fmt.Errorf("failed to write task artifact %s: %w", name, err)
		}
	}

	events <- Event{Kind: EventTaskCompleted, Task: task, ExitStatus: 0, Time: time.Now().UTC()}

	if s.Outputs == nil {
		return Outputs{}, nil
	}
	return s.Outputs, nil
}
