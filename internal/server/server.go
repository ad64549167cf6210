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

// Package server exposes the run manager over HTTP. Every handler is a
// thin wrapper: parse the request into a typed command, push it onto the
// manager's channel, await the reply, render the response.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sprocket-wdl/sprocket/internal/config"
	"github.com/sprocket-wdl/sprocket/internal/manager"
	"golang.org/x/time/rate"
)

// Server is the HTTP command surface.
type Server struct {
	cfg      *config.Config
	handle   manager.Handle
	logger   *slog.Logger
	limiter  *rate.Limiter
	metrics  http.Handler
	server   *http.Server
	listener net.Listener
}

// Options configures a Server.
type Options struct {
	// Config is the validated server configuration.
	Config *config.Config
	// Handle is the manager's command channel client.
	Handle manager.Handle
	// Logger receives server logs; defaults to slog.Default().
	Logger *slog.Logger
	// Metrics serves the /metrics endpoint when non-nil.
	Metrics http.Handler
}

// New creates a new Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.Config.Server.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Config.Server.RateLimit), opts.Config.Server.RateBurst)
	}

	s := &Server{
		cfg:     opts.Config,
		handle:  opts.Handle,
		logger:  logger,
		limiter: limiter,
		metrics: opts.Metrics,
	}

	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router builds the route table.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/tasks", s.handleListRunTasks)
	mux.HandleFunc("GET /api/v1/runs/{id}/index", s.handleGetRunIndex)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{name}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{name}/logs", s.handleGetTaskLogs)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start listens on the configured address and serves until ctx is
// canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, or the configured address if
// the server has not started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Server.Addr
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
