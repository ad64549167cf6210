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

package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sprocket-wdl/sprocket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig builds a validated config for the given allow-lists.
func testConfig(t *testing.T, fileSources bool, paths, urls []string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDirectory = t.TempDir()
	cfg.FileSourcesEnabled = fileSources
	cfg.AllowedFilePaths = paths
	cfg.AllowedURLs = urls
	require.NoError(t, cfg.Validate())
	return cfg
}

// writeWorkflow writes a trivial WDL document into dir.
func writeWorkflow(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("version 1.2\nworkflow test {}"), 0o644))
	return path
}

func TestContentSourceAlwaysAllowed(t *testing.T) {
	cfg := testConfig(t, false, nil, nil)

	resolved, err := Resolve(cfg, Request{Content: "version 1.2\nworkflow test {}"})
	require.NoError(t, err)
	assert.Equal(t, KindInline, resolved.Kind)
	assert.Equal(t, "inline", resolved.Display())
}

func TestFileSourceRejectedWhenDisabled(t *testing.T) {
	temp := t.TempDir()
	path := writeWorkflow(t, temp, "workflow.wdl")

	cfg := testConfig(t, false, nil, nil)

	_, err := Resolve(cfg, Request{Path: path})
	require.Error(t, err)
	assert.Equal(t, "file sources are not allowed", err.Error())
}

func TestFileSourcePathNotInAllowedList(t *testing.T) {
	temp := t.TempDir()
	path := writeWorkflow(t, temp, "workflow.wdl")

	other := t.TempDir()
	cfg := testConfig(t, true, []string{other}, nil)

	_, err := Resolve(cfg, Request{Path: path})
	require.Error(t, err)
	assert.Equal(t, "file path is not in allowed paths", err.Error())
}

func TestFileSourceAllowedWhenInAllowedList(t *testing.T) {
	temp := t.TempDir()
	path := writeWorkflow(t, temp, "workflow.wdl")

	cfg := testConfig(t, true, []string{temp}, nil)

	resolved, err := Resolve(cfg, Request{Path: path})
	require.NoError(t, err)
	assert.Equal(t, KindPath, resolved.Kind)

	want, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	assert.Equal(t, want, resolved.Path)
}

func TestFileSourceNonexistentFile(t *testing.T) {
	temp := t.TempDir()
	missing := filepath.Join(temp, "nonexistent.wdl")

	cfg := testConfig(t, true, []string{temp}, nil)

	_, err := Resolve(cfg, Request{Path: missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist: ")
	assert.Contains(t, err.Error(), "nonexistent.wdl")
}

func TestFileSourcePathTraversalAttempt(t *testing.T) {
	temp := t.TempDir()
	allowed := filepath.Join(temp, "allowed")
	require.NoError(t, os.Mkdir(allowed, 0o755))
	writeWorkflow(t, temp, "outside.wdl")

	cfg := testConfig(t, true, []string{allowed}, nil)

	_, err := Resolve(cfg, Request{Path: filepath.Join(allowed, "..", "outside.wdl")})
	require.Error(t, err)
	assert.Equal(t, "file path is not in allowed paths", err.Error())
}

func TestFileSourceSiblingPrefixNotContained(t *testing.T) {
	temp := t.TempDir()
	allowed := filepath.Join(temp, "allowed")
	sibling := filepath.Join(temp, "allowed-extra")
	require.NoError(t, os.Mkdir(allowed, 0o755))
	require.NoError(t, os.Mkdir(sibling, 0o755))
	path := writeWorkflow(t, sibling, "workflow.wdl")

	cfg := testConfig(t, true, []string{allowed}, nil)

	_, err := Resolve(cfg, Request{Path: path})
	require.Error(t, err)
	assert.Equal(t, "file path is not in allowed paths", err.Error())
}

func TestURLSourceRequiresAllowedPrefix(t *testing.T) {
	cfg := testConfig(t, false, nil, []string{"https://example.com/workflows/"})

	resolved, err := Resolve(cfg, Request{URL: "https://example.com/workflows/hello.wdl"})
	require.NoError(t, err)
	assert.Equal(t, KindURL, resolved.Kind)
	assert.Equal(t, "https://example.com/workflows/hello.wdl", resolved.Display())

	_, err = Resolve(cfg, Request{URL: "https://evil.com/hello.wdl"})
	require.Error(t, err)
	assert.Equal(t, "url is not in allowed urls", err.Error())
}

func TestURLSourceRejectsMalformed(t *testing.T) {
	cfg := testConfig(t, false, nil, []string{"https://example.com/"})

	_, err := Resolve(cfg, Request{URL: "example.com/hello.wdl"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid URL")
}

func TestResolveRequiresExactlyOneSource(t *testing.T) {
	cfg := testConfig(t, true, nil, nil)

	_, err := Resolve(cfg, Request{})
	require.Error(t, err)

	_, err = Resolve(cfg, Request{Content: "a", URL: "https://example.com/x"})
	require.Error(t, err)
}
