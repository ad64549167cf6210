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
	"os/signal"
	"syscall"
	"time"

	"github.com/sprocket-wdl/sprocket/internal/config"
	"github.com/sprocket-wdl/sprocket/internal/engine"
	"github.com/sprocket-wdl/sprocket/internal/index"
	"github.com/sprocket-wdl/sprocket/internal/log"
	"github.com/sprocket-wdl/sprocket/internal/manager"
	"github.com/sprocket-wdl/sprocket/internal/metrics"
	"github.com/sprocket-wdl/sprocket/internal/output"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/provenance/sqlite"
	"github.com/sprocket-wdl/sprocket/internal/server"
	"github.com/sprocket-wdl/sprocket/internal/tracing"
	"github.com/spf13/cobra"
)

// newServerCommand builds the `sprocket server` subcommand.
func newServerCommand(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		outputDir  string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the workflow execution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.OutputDirectory = outputDir
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServer(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file")
	cmd.Flags().StringVar(&outputDir, "output-directory", "", "Root of the output directory layout")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")

	return cmd
}

// runServer wires up the store, manager and HTTP server, then blocks
// until a shutdown signal arrives.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	outDir := output.New(cfg.OutputDirectory)

	tracer, err := tracing.New(cfg.Tracing.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", log.Error(err))
		}
	}()

	// The index survives out-of-band deletion: rebuild it from log
	// history before serving.
	if err := index.Rebuild(ctx, store, outDir, log.WithComponent(logger, "index")); err != nil {
		logger.Warn("index rebuild reported errors", log.Error(err))
	}

	collector := metrics.New()

	mgr := manager.New(manager.Options{
		Config:     cfg,
		Store:      store,
		OutputDir:  outDir,
		Evaluator:  &engine.Static{},
		Logger:     log.WithComponent(logger, "manager"),
		Metrics:    collector,
		Tracer:     tracer.Tracer("sprocket/manager"),
		Subcommand: provenance.SubcommandServer,
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start run manager: %w", err)
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Handle:  mgr.Handle(),
		Logger:  log.WithComponent(logger, "server"),
		Metrics: collector.Handler(),
	})

	logger.Info("sprocket server starting",
		slog.String("output_directory", cfg.OutputDirectory),
		slog.String("database_path", cfg.DatabasePath))

	if err := srv.Start(ctx); err != nil {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", log.Error(err))
	}

	logger.Info("sprocket server stopped")
	return nil
}
