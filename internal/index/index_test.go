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

package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/output"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/provenance/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv bundles the store and output directory for index tests.
type testEnv struct {
	store  *sqlite.Store
	outDir output.Directory
	logger *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &testEnv{
		store:  store,
		outDir: output.New(t.TempDir()),
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

// newRun creates a session, a run row, and a run directory populated
// with outputs.json plus the given files.
func (e *testEnv) newRun(t *testing.T, dirName string, files map[string]string) (uuid.UUID, output.RunDirectory) {
	t.Helper()
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := e.store.CreateSession(ctx, sessionID, provenance.SubcommandRun, "test_user")
	require.NoError(t, err)

	runID := uuid.New()
	_, err = e.store.CreateRun(ctx, runID, sessionID, "test", "file://test.wdl", "{}", "runs/"+dirName)
	require.NoError(t, err)

	runDir, err := e.outDir.EnsureWorkflowRun(dirName)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(runDir.OutputsFile(), []byte("{}"), 0o644))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(runDir.Root(), name), []byte(content), 0o644))
	}

	return runID, runDir
}

// readThroughLink reads the file a symlink resolves to.
func readThroughLink(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCreateEntriesSymlinksOutputsAndFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "test-workflow-run1", map[string]string{
		"satisfaction_survey.tsv": "old survey",
		"styling_metrics.json":    "old metrics",
	})

	outputs := engine.Outputs{
		"satisfaction_survey": engine.File("satisfaction_survey.tsv"),
		"styling_metrics":     engine.File("styling_metrics.json"),
	}

	require.NoError(t, CreateEntries(ctx, env.store, runID, runDir, "yak", outputs, env.logger))

	indexDir := env.outDir.IndexDir("yak")
	for _, name := range []string{"outputs.json", "satisfaction_survey.tsv", "styling_metrics.json"} {
		info, err := os.Lstat(filepath.Join(indexDir, name))
		require.NoError(t, err, name)
		assert.NotZero(t, info.Mode()&os.ModeSymlink, name)
	}

	assert.Equal(t, "old survey", readThroughLink(t, filepath.Join(indexDir, "satisfaction_survey.tsv")))

	entries, err := env.store.ListIndexLogEntriesByRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, entry := range entries {
		assert.True(t, filepath.IsLocal(entry.LinkPath[2:]))
		assert.Contains(t, entry.LinkPath, "./index/")
		assert.Contains(t, entry.TargetPath, "./runs/")
	}
}

func TestResubmissionRetargetsIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	outputsFor := func() engine.Outputs {
		return engine.Outputs{
			"satisfaction_survey": engine.File("satisfaction_survey.tsv"),
			"styling_metrics":     engine.File("styling_metrics.json"),
		}
	}

	run1, dir1 := env.newRun(t, "test-workflow-run1", map[string]string{
		"satisfaction_survey.tsv": "old survey",
		"styling_metrics.json":    "old metrics",
	})
	require.NoError(t, CreateEntries(ctx, env.store, run1, dir1, "yak", outputsFor(), env.logger))

	run2, dir2 := env.newRun(t, "test-workflow-run2", map[string]string{
		"satisfaction_survey.tsv": "new survey",
		"styling_metrics.json":    "new metrics",
	})
	require.NoError(t, CreateEntries(ctx, env.store, run2, dir2, "yak", outputsFor(), env.logger))

	indexDir := env.outDir.IndexDir("yak")
	assert.Equal(t, "new survey", readThroughLink(t, filepath.Join(indexDir, "satisfaction_survey.tsv")))
	assert.Equal(t, "new metrics", readThroughLink(t, filepath.Join(indexDir, "styling_metrics.json")))

	latest, err := env.store.ListLatestIndexEntries(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	for _, entry := range latest {
		assert.Equal(t, run2, entry.RunID, entry.LinkPath)
		assert.Contains(t, entry.TargetPath, "test-workflow-run2")
	}
}

func TestCreateEntriesWalksArraysOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "arrays", map[string]string{
		"a.txt": "a",
		"b.txt": "b",
		"c.txt": "c",
	})

	outputs := engine.Outputs{
		"files":  engine.Array(engine.File("a.txt"), engine.File("b.txt")),
		"nested": engine.Object(map[string]engine.Value{"skipped": engine.File("c.txt")}),
		"plain":  engine.String("not a file"),
	}

	require.NoError(t, CreateEntries(ctx, env.store, runID, runDir, "arrays", outputs, env.logger))

	indexDir := env.outDir.IndexDir("arrays")
	assert.FileExists(t, filepath.Join(indexDir, "a.txt"))
	assert.FileExists(t, filepath.Join(indexDir, "b.txt"))
	assert.NoFileExists(t, filepath.Join(indexDir, "c.txt"))

	entries, err := env.store.ListIndexLogEntriesByRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // outputs.json + a.txt + b.txt
}

func TestCreateEntriesMissingTargetAggregatesError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "partial", map[string]string{"exists.txt": "here"})

	outputs := engine.Outputs{
		"present": engine.File("exists.txt"),
		"missing": engine.File("missing.txt"),
	}

	err := CreateEntries(ctx, env.store, runID, runDir, "partial", outputs, env.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create one or more index entries")

	// The present entries were still created.
	indexDir := env.outDir.IndexDir("partial")
	assert.FileExists(t, filepath.Join(indexDir, "exists.txt"))
	assert.FileExists(t, filepath.Join(indexDir, "outputs.json"))

	entries, err := env.store.ListIndexLogEntriesByRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRebuildRecreatesDeletedIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "rebuildable", map[string]string{
		"satisfaction_survey.tsv": "survey",
	})
	outputs := engine.Outputs{"satisfaction_survey": engine.File("satisfaction_survey.tsv")}
	require.NoError(t, CreateEntries(ctx, env.store, runID, runDir, "yak", outputs, env.logger))

	require.NoError(t, os.RemoveAll(filepath.Join(env.outDir.Root(), "index")))

	require.NoError(t, Rebuild(ctx, env.store, env.outDir, env.logger))

	indexDir := env.outDir.IndexDir("yak")
	assert.Equal(t, "survey", readThroughLink(t, filepath.Join(indexDir, "satisfaction_survey.tsv")))

	info, err := os.Lstat(filepath.Join(indexDir, "outputs.json"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
}

func TestRebuildSkipsMissingTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "lossy", map[string]string{
		"file1.txt": "content1",
		"file2.txt": "content2",
	})
	outputs := engine.Outputs{
		"output1": engine.File("file1.txt"),
		"output2": engine.File("file2.txt"),
	}
	require.NoError(t, CreateEntries(ctx, env.store, runID, runDir, "yak", outputs, env.logger))

	require.NoError(t, os.Remove(filepath.Join(runDir.Root(), "file2.txt")))
	require.NoError(t, os.RemoveAll(filepath.Join(env.outDir.Root(), "index")))

	require.NoError(t, Rebuild(ctx, env.store, env.outDir, env.logger))

	indexDir := env.outDir.IndexDir("yak")
	assert.Equal(t, "content1", readThroughLink(t, filepath.Join(indexDir, "file1.txt")))
	assert.FileExists(t, filepath.Join(indexDir, "outputs.json"))
	assert.NoFileExists(t, filepath.Join(indexDir, "file2.txt"))
}

func TestRebuildIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runID, runDir := env.newRun(t, "repeat", map[string]string{"data.txt": "data"})
	outputs := engine.Outputs{"data": engine.File("data.txt")}
	require.NoError(t, CreateEntries(ctx, env.store, runID, runDir, "repeat", outputs, env.logger))

	require.NoError(t, Rebuild(ctx, env.store, env.outDir, env.logger))
	first, err := os.Readlink(filepath.Join(env.outDir.IndexDir("repeat"), "data.txt"))
	require.NoError(t, err)

	require.NoError(t, Rebuild(ctx, env.store, env.outDir, env.logger))
	second, err := os.Readlink(filepath.Join(env.outDir.IndexDir("repeat"), "data.txt"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCreateOrResymlinkReplacesExisting(t *testing.T) {
	temp := t.TempDir()

	target1 := filepath.Join(temp, "target1.txt")
	target2 := filepath.Join(temp, "target2.txt")
	require.NoError(t, os.WriteFile(target1, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(target2, []byte("two"), 0o644))

	link := filepath.Join(temp, "link")
	require.NoError(t, CreateOrResymlink(link, target1))
	require.NoError(t, CreateOrResymlink(link, target2))

	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// Targets are recorded relative to the link's parent.
	rel, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "target2.txt", rel)
}
