// Package api serves the task API consumed by sync clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/schedule"
	"cronsync/internal/scheduler"
	"cronsync/internal/store"
)

const (
	DefaultLogLimit = 20
	MaxLogLimit     = 100
)

type Server struct {
	r       *chi.Mux
	repo    store.Repository
	sweeper *scheduler.Sweeper
	clock   clock.Clock
}

func NewServer(repo store.Repository, sweeper *scheduler.Sweeper, auth Authenticator) http.Handler {
	return NewServerWithDebug(repo, sweeper, auth, false)
}

func NewServerWithDebug(repo store.Repository, sweeper *scheduler.Sweeper, auth Authenticator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sweeper: sweeper, clock: clock.Real{}}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner(auth))
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}", s.taskAction)
		r.Get("/tasks/{id}/logs", s.taskLogs)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("cronsync_up 1\n"))
	if s.sweeper == nil {
		return
	}
	st := s.sweeper.Stats()
	_, _ = fmt.Fprintf(w, "cronsync_sweeps_total %d\n", st.Sweeps)
	_, _ = fmt.Fprintf(w, "cronsync_executions_total %d\n", st.Executions)
	_, _ = fmt.Fprintf(w, "cronsync_execution_failures_total %d\n", st.Failures)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListTasksByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.internal(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in domain.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.clock.Now()
	t := in.NewTask(store.NewTaskID(), ownerFrom(r.Context()), now)
	schedule.Recompute(&t, now)
	if err := s.repo.PutTask(r.Context(), t); err != nil {
		s.internal(w, err)
		return
	}
	log.Info().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Msg("task created")
	writeJSON(w, http.StatusCreated, map[string]any{"task": t})
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var p domain.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.clock.Now()
	if p.Apply(&t) {
		schedule.Recompute(&t, now)
	}
	t.Touch(now)
	if err := s.repo.PutTask(r.Context(), t); err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if err := s.repo.DeleteTask(r.Context(), t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.internal(w, err)
		return
	}
	log.Info().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Msg("task deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "pause", "resume", "trigger":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}

	if action == "trigger" {
		s.trigger(w, r, t)
		return
	}

	now := s.clock.Now()
	if action == "pause" {
		t.Status = domain.StatusPaused
	} else {
		t.Status = domain.StatusActive
		t.Runtime.FailureCount = 0
	}
	schedule.Recompute(&t, now)
	t.Touch(now)
	if err := s.repo.PutTask(r.Context(), t); err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

type triggerResp struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Task    domain.Task `json:"task"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, t domain.Task) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "execution is disabled")
		return
	}
	res, updated, err := s.sweeper.RunNow(r.Context(), t.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, scheduler.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResp{Success: res.Success, Error: res.Error, Task: updated})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		if n > 0 {
			limit = min(n, MaxLogLimit)
		}
	}
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	logs, err := s.repo.ListLogs(r.Context(), t.ID, limit)
	if err != nil {
		s.internal(w, err)
		return
	}
	if logs == nil {
		logs = []domain.ExecutionLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ownedTask loads the {id} task and checks it belongs to the caller. It
// writes the error response itself and reports whether to continue.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (domain.Task, bool) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return domain.Task{}, false
	}
	if err != nil {
		s.internal(w, err)
		return domain.Task{}, false
	}
	if t.OwnerID != ownerFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "task belongs to another owner")
		return domain.Task{}, false
	}
	return t, true
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
