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

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sprocket-wdl/sprocket/internal/manager"
	"github.com/sprocket-wdl/sprocket/internal/provenance"
	"github.com/sprocket-wdl/sprocket/internal/server/httputil"
	"github.com/sprocket-wdl/sprocket/internal/source"
)

// sourceRequest is the workflow source reference in a submit body.
// Exactly one field must be set.
type sourceRequest struct {
	Inline *string `json:"inline,omitempty"`
	Path   *string `json:"path,omitempty"`
	URL    *string `json:"url,omitempty"`
}

// submitRunRequest is the body of POST /api/v1/runs.
type submitRunRequest struct {
	Source sourceRequest   `json:"source"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
	Name   string          `json:"name,omitempty"`
}

// submitRunResponse is the reply to POST /api/v1/runs.
type submitRunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// listRunsResponse is the reply to GET /api/v1/runs.
type listRunsResponse struct {
	Runs  []*provenance.Run `json:"runs"`
	Total int64             `json:"total"`
}

// listTasksResponse is the reply to task listings.
type listTasksResponse struct {
	Tasks []*provenance.Task `json:"tasks"`
	Total int64              `json:"total"`
}

// listTaskLogsResponse is the reply to GET /api/v1/tasks/{name}/logs.
type listTaskLogsResponse struct {
	Logs  []*provenance.TaskLog `json:"logs"`
	Total int64                 `json:"total"`
}

// listSessionsResponse is the reply to GET /api/v1/sessions.
type listSessionsResponse struct {
	Sessions []*provenance.Session `json:"sessions"`
}

// getSessionResponse is the reply to GET /api/v1/sessions/{id}.
type getSessionResponse struct {
	Session *provenance.Session `json:"session"`
	Runs    []*provenance.Run   `json:"runs"`
}

// runIndexResponse is the reply to GET /api/v1/runs/{id}/index.
type runIndexResponse struct {
	Entries []*provenance.IndexLogEntry `json:"entries"`
}

// writeCommandError maps a manager error to an HTTP response.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var srcErr *source.Error
	switch {
	case errors.As(err, &srcErr):
		httputil.WriteError(w, http.StatusBadRequest, srcErr.Error())
	case errors.Is(err, manager.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, manager.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", slog.Any("error", err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleSubmitRun handles POST /api/v1/runs.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	src := source.Request{}
	set := 0
	if req.Source.Inline != nil {
		src.Content = *req.Source.Inline
		set++
	}
	if req.Source.Path != nil {
		src.Path = *req.Source.Path
		set++
	}
	if req.Source.URL != nil {
		src.URL = *req.Source.URL
		set++
	}
	if set != 1 {
		httputil.WriteError(w, http.StatusBadRequest, "exactly one of source.inline, source.path, or source.url must be provided")
		return
	}

	inputs := ""
	if len(req.Inputs) > 0 {
		inputs = string(req.Inputs)
	}

	run, err := s.handle.SubmitRun(r.Context(), src, inputs, req.Name)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, submitRunResponse{
		ID:     run.ID.String(),
		Status: string(run.Status),
	})
}

// handleListRuns handles GET /api/v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := provenance.RunFilter{}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := provenance.ParseRunStatus(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, ok = parseQueryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseQueryInt(w, r, "offset"); !ok {
		return
	}

	runs, total, err := s.handle.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if runs == nil {
		runs = []*provenance.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Total: total})
}

// handleGetRun handles GET /api/v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	run, err := s.handle.GetRun(r.Context(), id)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleCancelRun handles POST /api/v1/runs/{id}/cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	if err := s.handle.CancelRun(r.Context(), id); err != nil {
		s.writeCommandError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": "canceling",
	})
}

// handleGetRunIndex handles GET /api/v1/runs/{id}/index.
func (s *Server) handleGetRunIndex(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	entries, err := s.handle.GetRunIndex(r.Context(), id)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if entries == nil {
		entries = []*provenance.IndexLogEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, runIndexResponse{Entries: entries})
}

// handleListRunTasks handles GET /api/v1/runs/{id}/tasks.
func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	s.listTasks(w, r, provenance.TaskFilter{RunID: &id})
}

// handleListTasks handles GET /api/v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := provenance.TaskFilter{}

	if raw := r.URL.Query().Get("run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid run_id: "+err.Error())
			return
		}
		filter.RunID = &id
	}

	s.listTasks(w, r, filter)
}

// listTasks applies shared task listing query parameters and renders the
// response.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, filter provenance.TaskFilter) {
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := provenance.ParseTaskStatus(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, ok = parseQueryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseQueryInt(w, r, "offset"); !ok {
		return
	}

	tasks, total, err := s.handle.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if tasks == nil {
		tasks = []*provenance.Task{}
	}
	httputil.WriteJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: total})
}

// handleGetTask handles GET /api/v1/tasks/{name}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "task name required")
		return
	}

	task, err := s.handle.GetTask(r.Context(), name)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, task)
}

// handleGetTaskLogs handles GET /api/v1/tasks/{name}/logs.
func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "task name required")
		return
	}

	filter := provenance.TaskLogFilter{}
	if raw := r.URL.Query().Get("source"); raw != "" {
		src, err := provenance.ParseLogSource(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Source = src
	}

	var ok bool
	if filter.Limit, ok = parseQueryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseQueryInt(w, r, "offset"); !ok {
		return
	}

	logs, total, err := s.handle.GetTaskLogs(r.Context(), name, filter)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if logs == nil {
		logs = []*provenance.TaskLog{}
	}
	httputil.WriteJSON(w, http.StatusOK, listTaskLogsResponse{Logs: logs, Total: total})
}

// handleListSessions handles GET /api/v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page := provenance.Page{}

	var ok bool
	if page.Limit, ok = parseQueryInt(w, r, "limit"); !ok {
		return
	}
	if page.Offset, ok = parseQueryInt(w, r, "offset"); !ok {
		return
	}

	sessions, err := s.handle.ListSessions(r.Context(), page)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if sessions == nil {
		sessions = []*provenance.Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// handleGetSession handles GET /api/v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}

	session, runs, err := s.handle.GetSession(r.Context(), id)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	if runs == nil {
		runs = []*provenance.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, getSessionResponse{Session: session, Runs: runs})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.handle.Ping(r.Context()); err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parsePathID parses the {id} path segment as a UUID, writing a 400 on
// failure.
func parsePathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return uuid.UUID{}, false
	}
	return id, true
}

// parseQueryInt parses a non-negative integer query parameter, writing a
// 400 on failure. A missing parameter yields zero.
func parseQueryInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid "+key+" parameter")
		return 0, false
	}
	return v, true
}
