package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/mcpd/internal/advisor"
	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/task"
)

// handleHealth handles GET /health and /healthz (no auth, never rate limited).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.coord.Health()
	status := http.StatusOK
	if !rep.Available() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, rep)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.coord.Metrics()
	if m == nil {
		s.writeError(w, http.StatusNotFound, string(errs.NotFound), "metrics disabled")
		return
	}
	m.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.Status())
}

// handleRegister handles POST /register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	rec, err := s.coord.RegisterAgent(req.Agent, req.Capabilities)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RegisterResponse{OK: true, Registered: rec.ID, Agent: rec})
}

// handleHeartbeat handles POST /heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	ctl, err := s.coord.Heartbeat(req.Agent, req.Project)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, HeartbeatResponse{OK: true, Controller: ctl})
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ControllersResponse{Controllers: s.coord.Agents().Controllers()})
}

// handleRun handles POST /run. The response never waits for the command.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RunRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	t, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, RunResponse{
		OK:     true,
		TaskID: t.ID,
		Queued: t.Status == task.StatusQueued,
		Status: t.Status,
	})
}

// handleExecuteTask handles POST /execute_task.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		s.writeError(w, http.StatusBadRequest, string(errs.Validation), "task_id is required")
		return
	}
	t, err := s.coord.Execute(r.Context(), req.TaskID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ExecuteResponse{OK: true, TaskID: t.ID, Status: t.Status})
}

// handleListTasks handles GET /tasks?status=&agent=&limit=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{Status: task.Status(q.Get("status")), Agent: q.Get("agent")}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, string(errs.Validation), "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	f.Limit = limit
	respondJSON(w, http.StatusOK, TaskListResponse{
		Tasks:  s.coord.Tasks().List(f),
		Counts: s.coord.Tasks().Counts(),
	})
}

// handleGetTask handles GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.Tasks().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := s.coord.Tasks().Attempts(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if attempts == nil {
		attempts = []task.Attempt{}
	}
	respondJSON(w, http.StatusOK, AttemptsResponse{TaskID: id, Attempts: attempts})
}

// handleRetryTask handles POST /tasks/{id}/retry.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	t, disposition, err := s.coord.Retry(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RetryResponse{OK: true, Disposition: disposition, Task: t})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	dls, err := s.coord.Tasks().DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if dls == nil {
		dls = []task.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: dls})
}

// handleSuggest handles POST /suggest.
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	sug, err := s.coord.Suggest(r.Context(), advisor.Request{Text: req.Text, Agent: req.Agent})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuggestResponse{
		OK:         true,
		Provider:   sug.Provider,
		Command:    sug.Command,
		Agent:      sug.Agent,
		Confidence: sug.Confidence,
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.Maintain(r.Context()))
}

// decode reads a JSON body capped at MaxBodyBytes. An empty body is accepted
// only when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && optional:
		return true
	case errors.Is(err, io.EOF):
		s.writeError(w, http.StatusBadRequest, string(errs.Validation), "request body is required")
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, string(errs.Validation), "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, string(errs.Validation), "invalid JSON body")
	}
	return false
}

func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, string(errs.Validation), "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// writeErr maps a classified error onto its status code. Unclassified errors
// are logged and reported without detail.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(err)
	resp := ErrorResponse{Error: string(kind), Message: err.Error()}
	switch kind {
	case errs.Internal:
		s.logger.Error("request failed", "error", err)
		resp.Message = "internal error"
	case errs.CommandNotAllowed:
		resp.Allowed = s.coord.AllowList().Names()
	}
	respondJSON(w, status, resp)
}
