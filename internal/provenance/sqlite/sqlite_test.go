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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStore opens a store on a fresh database file.
func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedRun creates a session and a queued run.
func seedRun(t *testing.T, store *Store, name, directory string) *provenance.Run {
	t.Helper()
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := store.CreateSession(ctx, sessionID, provenance.SubcommandRun, "test_user")
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, uuid.New(), sessionID, name, "inline", "{}", directory)
	require.NoError(t, err)
	return run
}

func TestCreateRunRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created := seedRun(t, store, "test", "runs/test-1")

	got, err := store.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.SessionID, got.SessionID)
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, "inline", got.Source)
	assert.Equal(t, provenance.RunQueued, got.Status)
	assert.Equal(t, "{}", got.Inputs)
	assert.Equal(t, "runs/test-1", got.Directory)
	assert.Nil(t, got.Outputs)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.IndexDirectory)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestGetRunMissingReturnsNil(t *testing.T) {
	store := newStore(t)

	run, err := store.GetRun(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRunLifecycleTransitions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := seedRun(t, store, "lifecycle", "runs/lifecycle-1")

	started := time.Now().UTC()
	require.NoError(t, provenance.StartRun(ctx, store, run.ID, started))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, provenance.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)

	require.NoError(t, store.UpdateRunOutputs(ctx, run.ID, `{"message":"hello world"}`))
	completed := time.Now().UTC()
	require.NoError(t, provenance.CompleteRun(ctx, store, run.ID, completed))

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, provenance.RunCompleted, got.Status)
	require.NotNil(t, got.Outputs)
	assert.Equal(t, `{"message":"hello world"}`, *got.Outputs)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestFailRunRecordsError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := seedRun(t, store, "failing", "runs/failing-1")
	require.NoError(t, provenance.FailRun(ctx, store, run.ID, "evaluation exploded", time.Now().UTC()))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, provenance.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "evaluation exploded", *got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateRunIndexDirectory(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := seedRun(t, store, "indexed", "runs/indexed-1")

	found, err := store.UpdateRunIndexDirectory(ctx, run.ID, "./index/indexed")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.UpdateRunIndexDirectory(ctx, uuid.New(), "./index/ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListRunsFilterAndPagination(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := store.CreateSession(ctx, sessionID, provenance.SubcommandServer, "test_user")
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		_, err := store.CreateRun(ctx, id, sessionID, "bulk", "inline", "{}",
			"runs/bulk-"+id.String())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, provenance.StartRun(ctx, store, ids[0], time.Now().UTC()))

	queued, err := store.ListRuns(ctx, provenance.RunFilter{Status: provenance.RunQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 4)

	total, err := store.CountRuns(ctx, provenance.RunQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	page, err := store.ListRuns(ctx, provenance.RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	all, err := store.ListRuns(ctx, provenance.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].CreatedAt.Before(all[i].CreatedAt))
	}
}

func TestListRunsBySessionOrdersByCreation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := store.CreateSession(ctx, sessionID, provenance.SubcommandRun, "test_user")
	require.NoError(t, err)

	first, err := store.CreateRun(ctx, uuid.New(), sessionID, "one", "inline", "{}", "runs/one")
	require.NoError(t, err)
	second, err := store.CreateRun(ctx, uuid.New(), sessionID, "two", "inline", "{}", "runs/two")
	require.NoError(t, err)

	runs, err := store.ListRunsBySession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.ID, runs[0].ID)
	assert.Equal(t, second.ID, runs[1].ID)
}

func TestSessionRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id := uuid.New()
	created, err := store.CreateSession(ctx, id, provenance.SubcommandServer, "alice")
	require.NoError(t, err)

	got, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, provenance.SubcommandServer, got.Subcommand)
	assert.Equal(t, "alice", got.CreatedBy)

	missing, err := store.GetSession(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	sessions, err := store.ListSessions(ctx, provenance.Page{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestTaskLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := seedRun(t, store, "tasked", "runs/tasked-1")

	task, err := store.CreateTask(ctx, "tasked-1.main", run.ID)
	require.NoError(t, err)
	assert.Equal(t, provenance.TaskPending, task.Status)

	found, err := store.UpdateTaskStarted(ctx, "tasked-1.main", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, found)

	exit := 0
	found, err = store.UpdateTaskCompleted(ctx, "tasked-1.main", &exit, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, found)

	got, err := store.GetTask(ctx, "tasked-1.main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, provenance.TaskCompleted, got.Status)
	require.NotNil(t, got.ExitStatus)
	assert.Equal(t, 0, *got.ExitStatus)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// Updates against a task that was never created report no rows.
	found, err = store.UpdateTaskStarted(ctx, "ghost.main", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, found)

	count, err := store.CountTasks(ctx, &run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTaskLogsOrderedBySourceAndID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := seedRun(t, store, "logged", "runs/logged-1")
	_, err := store.CreateTask(ctx, "logged-1.main", run.ID)
	require.NoError(t, err)

	require.NoError(t, store.InsertTaskLog(ctx, "logged-1.main", provenance.LogStdout, []byte("out-1")))
	require.NoError(t, store.InsertTaskLog(ctx, "logged-1.main", provenance.LogStderr, []byte("err-1")))
	require.NoError(t, store.InsertTaskLog(ctx, "logged-1.main", provenance.LogStdout, []byte("out-2")))

	logs, err := store.GetTaskLogs(ctx, "logged-1.main", provenance.TaskLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []byte("err-1"), logs[0].Chunk)
	assert.Equal(t, []byte("out-1"), logs[1].Chunk)
	assert.Equal(t, []byte("out-2"), logs[2].Chunk)

	stdout, err := store.GetTaskLogs(ctx, "logged-1.main", provenance.TaskLogFilter{Source: provenance.LogStdout})
	require.NoError(t, err)
	require.Len(t, stdout, 2)
	assert.True(t, stdout[0].ID < stdout[1].ID)

	count, err := store.CountTaskLogs(ctx, "logged-1.main", provenance.LogStdout)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLatestIndexEntriesPerLinkPath(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run1 := seedRun(t, store, "idx", "runs/idx-1")
	run2 := seedRun(t, store, "idx", "runs/idx-2")

	_, err := store.CreateIndexLogEntry(ctx, run1.ID, "./index/yak/outputs.json", "./runs/idx-1/outputs.json")
	require.NoError(t, err)
	_, err = store.CreateIndexLogEntry(ctx, run1.ID, "./index/yak/data.tsv", "./runs/idx-1/data.tsv")
	require.NoError(t, err)
	_, err = store.CreateIndexLogEntry(ctx, run2.ID, "./index/yak/outputs.json", "./runs/idx-2/outputs.json")
	require.NoError(t, err)

	byRun, err := store.ListIndexLogEntriesByRun(ctx, run1.ID)
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	latest, err := store.ListLatestIndexEntries(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	// Ordered by link path: data.tsv then outputs.json.
	assert.Equal(t, "./index/yak/data.tsv", latest[0].LinkPath)
	assert.Equal(t, run1.ID, latest[0].RunID)
	assert.Equal(t, "./index/yak/outputs.json", latest[1].LinkPath)
	assert.Equal(t, run2.ID, latest[1].RunID)
	assert.Equal(t, "./runs/idx-2/outputs.json", latest[1].TargetPath)
}

func TestSchemaVersionGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "provenance.db")

	store, err := New(context.Background(), path)
	require.NoError(t, err)

	_, err = store.db.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		len(migrations)+1, formatTime(time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = New(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than the supported version")
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "provenance.db")

	store, err := New(context.Background(), path)
	require.NoError(t, err)
	seedRun(t, store, "persisted", "runs/persisted-1")
	require.NoError(t, store.Close())

	reopened, err := New(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()

	runs, err := reopened.ListRuns(context.Background(), provenance.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
