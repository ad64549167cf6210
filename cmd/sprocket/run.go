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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sprocket-wdl/sprocket/internal/config"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/log"
	"github.com/sprocket-wdl/sprocket/internal/manager"
	"github.com/sprocket-wdl/sprocket/internal/output"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/provenance/sqlite"
	"github.com/sprocket-wdl/sprocket/internal/source"
	"github.com/spf13/cobra"
)

// Exit codes for terminal run states.
const (
	exitCompleted = 0
	exitFailed    = 1
	exitCanceled  = 2
)

// Interval between run status polls.
const pollInterval = 200 * time.Millisecond

// newRunCommand builds the `sprocket run` subcommand. It submits one run
// and blocks until the run reaches a terminal state.
func newRunCommand(logger *slog.Logger) *cobra.Command {
	var (
		src        string
		inputsPath string
		name       string
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if src == "" {
				return fmt.Errorf("--source is required")
			}
			return runOnce(cmd.Context(), logger, src, inputsPath, name, outputDir)
		},
	}

	cmd.Flags().StringVar(&src, "source", "", "Workflow source: a file path or a URL")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "Path to a JSON inputs file")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the run")
	cmd.Flags().StringVar(&outputDir, "output-directory", "", "Root of the output directory layout")

	return cmd
}

// runOnce submits a single run against a local manager and waits for its
// terminal state.
func runOnce(ctx context.Context, logger *slog.Logger, src, inputsPath, name, outputDir string) error {
	cfg := config.Default()
	if outputDir != "" {
		cfg.OutputDirectory = outputDir
	} else if dir := os.Getenv(config.EnvOutputDir); dir != "" {
		cfg.OutputDirectory = dir
	}

	req := source.Request{}
	if strings.Contains(src, "://") {
		cfg.AllowedURLs = []string{src}
		req.URL = src
	} else {
		// Local submissions trust the invoking user: allow exactly the
		// source file's directory.
		cfg.FileSourcesEnabled = true
		cfg.AllowedFilePaths = []string{filepath.Dir(src)}
		req.Path = src
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	inputs := ""
	if inputsPath != "" {
		data, err := os.ReadFile(inputsPath)
		if err != nil {
			return fmt.Errorf("failed to read inputs file: %w", err)
		}
		inputs = string(data)
	}

	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := manager.New(manager.Options{
		Config:     cfg,
		Store:      store,
		OutputDir:  output.New(cfg.OutputDirectory),
		Evaluator:  &engine.Static{},
		Logger:     log.WithComponent(logger, "manager"),
		Subcommand: provenance.SubcommandRun,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := mgr.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start run manager: %w", err)
	}

	handle := mgr.Handle()
	run, err := handle.SubmitRun(ctx, req, inputs, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "submitted run %s\n", run.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}

		current, err := handle.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if !current.Status.Terminal() {
			continue
		}

		switch current.Status {
		case provenance.RunCompleted:
			if current.Outputs != nil {
				fmt.Fprintln(os.Stdout, *current.Outputs)
			}
			return nil
		case provenance.RunCanceled:
			return &exitError{code: exitCanceled, message: fmt.Sprintf("run %s was canceled", current.ID)}
		default:
			message := fmt.Sprintf("run %s failed", current.ID)
			if current.Error != nil {
				message = fmt.Sprintf("run %s failed: %s", current.ID, *current.Error)
			}
			return &exitError{code: exitFailed, message: message}
		}
	}
}
