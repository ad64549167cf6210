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

// Package output provides typed handles to the on-disk output layout.
//
// The layout is a contract with external tooling:
//
//	<root>/
//	  runs/<run-name>/inputs.json
//	  runs/<run-name>/outputs.json
//	  index/<index-path>/...
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectory name for run execution directories.
const runsDir = "runs"

// Subdirectory name for the provenance index.
const indexDir = "index"

// Input file name.
const inputsFile = "inputs.json"

// Output file name.
const outputsFile = "outputs.json"

// Directory is the root directory for all run outputs and indices.
type Directory struct {
	root string
}

// New creates a new output directory handle rooted at root.
func New(root string) Directory {
	return Directory{root: root}
}

// Root returns the root path.
func (d Directory) Root() string {
	return d.root
}

// WorkflowRun returns the run directory for a given run name.
func (d Directory) WorkflowRun(name string) RunDirectory {
	return RunDirectory{
		dir:  d,
		path: filepath.Join(d.root, runsDir, name),
	}
}

// EnsureWorkflowRun returns the run directory for a given run name,
// creating it if it does not exist.
func (d Directory) EnsureWorkflowRun(name string) (RunDirectory, error) {
	run := d.WorkflowRun(name)
	if err := os.MkdirAll(run.Root(), 0o755); err != nil {
		return RunDirectory{}, fmt.Errorf("failed to create run directory %s: %w", run.Root(), err)
	}
	return run, nil
}

// IndexDir returns the index directory for a given index path. The index
// path may contain nested components.
func (d Directory) IndexDir(indexPath string) string {
	return filepath.Join(d.root, indexDir, indexPath)
}

// EnsureIndexDir returns the index directory for a given index path,
// creating it if it does not exist.
func (d Directory) EnsureIndexDir(indexPath string) (string, error) {
	path := d.IndexDir(indexPath)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create index directory %s: %w", path, err)
	}
	return path, nil
}

// MakeRelative converts an absolute path to a "./"-prefixed path relative
// to the output directory root. It returns false if the path is not
// within the output directory.
func (d Directory) MakeRelative(path string) (string, bool) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "./", true
	}
	return "./" + filepath.ToSlash(rel), true
}

// RunDirectory is the execution directory of a single run.
type RunDirectory struct {
	dir  Directory
	path string
}

// OutputDirectory returns the output directory this run is contained in.
func (r RunDirectory) OutputDirectory() Directory {
	return r.dir
}

// Root returns the path to the run execution directory.
func (r RunDirectory) Root() string {
	return r.path
}

// RelativePath returns the run directory path relative to the output
// directory root (e.g. "runs/run-name").
func (r RunDirectory) RelativePath() string {
	rel, err := filepath.Rel(r.dir.root, r.path)
	if err != nil {
		// Run directories are always constructed beneath the root.
		return r.path
	}
	return filepath.ToSlash(rel)
}

// InputsFile returns the path to the inputs file.
func (r RunDirectory) InputsFile() string {
	return filepath.Join(r.path, inputsFile)
}

// OutputsFile returns the path to the outputs file.
func (r RunDirectory) OutputsFile() string {
	return filepath.Join(r.path, outputsFile)
}
