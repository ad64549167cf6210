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

// Package index materializes symlinks from run output files into the
// shared index tree and records every symlink in the provenance store,
// so the tree can be rebuilt from log history.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/output"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
)

// Files to always symlink from the run directory to the index directory.
var defaultSymlinkFiles = []string{"outputs.json"}

// CreateOrResymlink creates a symlink at link pointing to target using a
// relative path for portability. An existing symlink at link is replaced.
func CreateOrResymlink(link, target string) error {
	if info, err := os.Lstat(link); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(link); err != nil {
			if err := os.RemoveAll(link); err != nil {
				return fmt.Errorf("failed to remove existing symlink %s: %w", link, err)
			}
		}
	}

	parent := filepath.Dir(link)
	relative, err := filepath.Rel(parent, target)
	if err != nil {
		return fmt.Errorf("cannot create relative path from %s to %s: %w", parent, target, err)
	}

	if err := os.Symlink(relative, link); err != nil {
		return fmt.Errorf("failed to create symlink %s -> %s: %w", link, relative, err)
	}

	return nil
}

// symlinkAndLog symlinks a single file and records it in the store.
func symlinkAndLog(ctx context.Context, db provenance.Store, runID uuid.UUID, runDir output.RunDirectory, indexPath, filePath string) error {
	fileName := filepath.Base(filePath)
	if fileName == "." || fileName == string(filepath.Separator) {
		return fmt.Errorf("invalid file path %q", filePath)
	}

	outDir := runDir.OutputDirectory()
	target := filepath.Join(runDir.Root(), filePath)
	link := filepath.Join(outDir.IndexDir(indexPath), fileName)

	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("target %s does not exist", target)
	}

	if err := CreateOrResymlink(link, target); err != nil {
		return err
	}

	relativeLink, ok := outDir.MakeRelative(link)
	if !ok {
		return fmt.Errorf("link %s is outside the output directory", link)
	}
	relativeTarget, ok := outDir.MakeRelative(target)
	if !ok {
		return fmt.Errorf("target %s is outside the output directory", target)
	}

	if _, err := db.CreateIndexLogEntry(ctx, runID, relativeLink, relativeTarget); err != nil {
		return err
	}

	return nil
}

// CreateEntries creates index entries for a completed run. All entries
// are attempted; if any fail, a single aggregated error is returned.
func CreateEntries(ctx context.Context, db provenance.Store, runID uuid.UUID, runDir output.RunDirectory, indexPath string, outputs engine.Outputs, logger *slog.Logger) error {
	outDir := runDir.OutputDirectory()
	if _, err := outDir.EnsureIndexDir(indexPath); err != nil {
		return fmt.Errorf("failed to create index directory for %s: %w", indexPath, err)
	}

	files := make([]string, 0, len(defaultSymlinkFiles)+len(outputs))
	files = append(files, defaultSymlinkFiles...)

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		files = extractSymlinkPaths(outputs[k], files)
	}

	var errs []error
	for _, file := range files {
		if err := symlinkAndLog(ctx, db, runID, runDir, indexPath, file); err != nil {
			logger.Error("failed to create index entry",
				slog.String("file", file),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to create one or more index entries: %w", errors.Join(errs...))
	}

	return nil
}

// extractSymlinkPaths collects File and Directory paths reachable from a
// value. Arrays are walked; other compound values are not auto-indexed.
func extractSymlinkPaths(value engine.Value, paths []string) []string {
	switch value.Kind() {
	case engine.KindFile, engine.KindDirectory:
		paths = append(paths, value.Path())
	case engine.KindArray:
		for _, item := range value.Items() {
			paths = extractSymlinkPaths(item, paths)
		}
	}
	return paths
}

// Rebuild recreates the index tree from store history. For each distinct
// link path, the symlink is re-pointed at the target of the latest log
// entry. Entries whose target no longer exists are logged and skipped.
// The operation is idempotent.
func Rebuild(ctx context.Context, db provenance.Store, outDir output.Directory, logger *slog.Logger) error {
	entries, err := db.ListLatestIndexEntries(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, entry := range entries {
		link := filepath.Join(outDir.Root(), filepath.FromSlash(entry.LinkPath))
		target := filepath.Join(outDir.Root(), filepath.FromSlash(entry.TargetPath))

		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			logger.Error("failed to rebuild index entry",
				slog.String("link_path", entry.LinkPath),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", entry.LinkPath, err))
			continue
		}

		if _, err := os.Stat(target); err != nil {
			logger.Warn("skipping index entry with missing target",
				slog.String("link_path", entry.LinkPath),
				slog.String("target_path", entry.TargetPath))
			continue
		}

		if err := CreateOrResymlink(link, target); err != nil {
			logger.Error("failed to rebuild index entry",
				slog.String("link_path", entry.LinkPath),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", entry.LinkPath, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to rebuild one or more index entries: %w", errors.Join(errs...))
	}

	return nil
}
