// Package server exposes the runtime over a loopback HTTP surface: the
// websocket event stream, task control (start/cancel/approve), session
// queries, and background-task log retrieval.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/httputil"
	"github.com/nebolabs/nebo/internal/logging"
	"github.com/nebolabs/nebo/internal/runtime"
	"github.com/nebolabs/nebo/internal/websocket"
)

// Server bundles the HTTP surface's collaborators.
type Server struct {
	Runtime  *runtime.Runtime
	Sessions *db.SessionManager
	Tasks    *tools.BackgroundTaskManager
}

// Router builds the chi router for the local API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", websocket.Handler(s.Runtime))

	r.Post("/tasks", s.startTask)
	r.Post("/tasks/{id}/cancel", s.cancelTask)
	r.Post("/tasks/{id}/approve", s.approveTask)
	r.Post("/tasks/{id}/reject", s.rejectTask)
	r.Get("/tasks", s.listTasks)

	r.Get("/sessions", s.listSessions)
	r.Get("/sessions/{id}/messages", s.sessionMessages)

	r.Get("/background", s.listBackground)
	r.Get("/background/{id}", s.backgroundStatus)
	r.Get("/background/{id}/output", s.backgroundOutput)
	r.Post("/background/{id}/kill", s.killBackground)

	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logging.Infof("server: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	httputil.ErrorWithCode(w, status, err.Error())
}

type startTaskRequest struct {
	SessionID        string  `json:"session_id"`
	ProjectID        string  `json:"project_id"`
	Prompt           string  `json:"prompt"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	AutoApproveEdits bool    `json:"auto_approve_edits"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := httputil.Parse(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("prompt is required"))
		return
	}

	handle, err := s.Runtime.StartTask(tools.WithOrigin(r.Context(), tools.OriginRemote), runtime.TaskInput{
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
		Settings: runner.Settings{
			Model:            req.Model,
			Temperature:      req.Temperature,
			MaxTokens:        req.MaxTokens,
			ToolsEnabled:     true,
			AutoApproveEdits: req.AutoApproveEdits,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":    handle.ID,
		"session_id": handle.SessionID,
		"state":      string(handle.State()),
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Runtime.CancelTask(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type decisionRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := httputil.Parse(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Runtime.Approve(chi.URLParam(r, "id"), req.CallID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) rejectTask(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := httputil.Parse(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Runtime.Reject(chi.URLParam(r, "id"), req.CallID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	handles := s.Runtime.ListActiveTasks()
	out := make([]map[string]string, 0, len(handles))
	for _, h := range handles {
		out = append(out, map[string]string{
			"task_id":    h.ID,
			"session_id": h.SessionID,
			"state":      string(h.State()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sessions.ListSessions(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type messagesRequest struct {
	ID     string `path:"id"`
	Offset int    `form:"offset"`
	Limit  int    `form:"limit"`
}

func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := httputil.Parse(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	messages, err := s.Sessions.GetMessages(req.ID, req.Offset, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) listBackground(w http.ResponseWriter, r *http.Request) {
	tasks := s.Tasks.List()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"task_id": t.ID,
			"command": t.Command,
			"pid":     t.PID,
			"status":  string(t.Status()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) backgroundStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	code, exited := task.ExitCode()
	out := map[string]any{
		"task_id":  task.ID,
		"command":  task.Command,
		"pid":      task.PID,
		"status":   string(task.Status()),
		"start_ms": task.StartMs,
		"end_ms":   task.EndMs,
	}
	if exited {
		out["exit_code"] = code
	}
	writeJSON(w, http.StatusOK, out)
}

type outputRequest struct {
	ID         string `path:"id"`
	FromStdout int64  `form:"from_stdout"`
	FromStderr int64  `form:"from_stderr"`
}

func (s *Server) backgroundOutput(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := httputil.Parse(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stdout, stderr, nextStdout, nextStderr, err := s.Tasks.GetOutput(req.ID, req.FromStdout, req.FromStderr)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":      stdout,
		"stderr":      stderr,
		"next_stdout": nextStdout,
		"next_stderr": nextStderr,
	})
}

func (s *Server) killBackground(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Kill(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}
