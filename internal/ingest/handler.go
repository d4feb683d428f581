// Package ingest turns signed inbound notifications from GitHub and CI
// alerting into tasks.
//
// When a secret is configured every request must carry a valid
// X-Hub-Signature-256 (sha256=<hex>) or X-Hub-Signature (sha1=<hex>) header
// computed over the raw body; anything else is rejected with 401 and no
// detail. Identical bodies arriving within the dedupe window map to the task
// created for the first one.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/log"
)

const (
	// DefaultMaxBodySize caps inbound payloads.
	DefaultMaxBodySize = 1 << 20

	githubAgent     = "github-webhook"
	alertAgent      = "workflow-alert"
	defaultCommand  = "ci-check"
	defaultProject  = "workspace"
	routeGitHub     = "/github_webhook"
	routeAlert      = "/workflow_alert"
	eventDispatch   = "repository_dispatch"
	eventWorkflow   = "workflow_run"
	conclusionClean = "success"
)

// Job is a task derived from an inbound notification.
type Job struct {
	Agent   string
	Command string
	Project string
	Meta    map[string]any
	Execute bool
}

// Submission reports what happened to a Job.
type Submission struct {
	TaskID string
	Queued bool
}

// Submitter creates (and optionally starts) tasks.
type Submitter interface {
	SubmitJob(ctx context.Context, job Job) (Submission, error)
}

// Options configures a Handler.
type Options struct {
	Secret       string
	AutoExec     bool
	MaxBodySize  int64
	DedupeWindow time.Duration
	Now          func() time.Time
}

// Handler serves the inbound receiver routes.
type Handler struct {
	submitter Submitter
	opts      Options
	dedupe    *deduper
	logger    *slog.Logger
}

// New creates a Handler.
func New(submitter Submitter, opts Options) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Handler{
		submitter: submitter,
		opts:      opts,
		dedupe:    newDeduper(opts.DedupeWindow, opts.Now),
		logger:    log.WithComponent("ingest"),
	}
}

// Routes mounts the receivers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post(routeGitHub, h.handleGitHub)
	r.Post(routeAlert, h.handleWorkflowAlert)
}

// Response is the JSON body returned by both receivers.
type Response struct {
	OK           bool   `json:"ok"`
	TaskID       string `json:"task_id,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	IgnoredEvent string `json:"ignored_event,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.respondError(w, http.StatusBadRequest, string(errs.Validation), "body is not a JSON object")
		return
	}

	var job Job
	switch event {
	case eventDispatch:
		cp, _ := payload["client_payload"].(map[string]any)
		job = Job{
			Agent:   githubAgent,
			Command: firstString(cp, "command", "run"),
			Project: firstString(cp, "head_branch", "project"),
			Meta: map[string]any{
				"source": "github",
				"event":  event,
				"action": payload["action"],
			},
		}
		job.Execute, _ = cp["execute"].(bool)
	case eventWorkflow:
		wr, _ := payload["workflow_run"].(map[string]any)
		conclusion, _ := wr["conclusion"].(string)
		if conclusion == "" || conclusion == conclusionClean {
			h.respondJSON(w, http.StatusOK, Response{OK: true, IgnoredEvent: event})
			return
		}
		job = Job{
			Agent:   githubAgent,
			Command: defaultCommand,
			Project: firstString(wr, "head_branch"),
			Meta: map[string]any{
				"source":     "github",
				"event":      event,
				"workflow":   wr["name"],
				"conclusion": conclusion,
				"run_id":     wr["id"],
				"html_url":   wr["html_url"],
			},
			Execute: h.opts.AutoExec,
		}
	default:
		if event == "" {
			event = "unknown"
		}
		h.respondJSON(w, http.StatusOK, Response{OK: true, IgnoredEvent: event})
		return
	}

	if job.Command == "" {
		job.Command = defaultCommand
	}
	if job.Project == "" {
		job.Project = defaultProject
	}
	if d := r.Header.Get("X-GitHub-Delivery"); d != "" {
		job.Meta["delivery"] = d
	}
	h.submit(w, r, routeGitHub, body, job)
}

type workflowAlert struct {
	Workflow   string `json:"workflow"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	RunID      any    `json:"run_id"`
	HTMLURL    string `json:"html_url"`
}

func (h *Handler) handleWorkflowAlert(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var alert workflowAlert
	if err := json.Unmarshal(body, &alert); err != nil {
		h.respondError(w, http.StatusBadRequest, string(errs.Validation), "body is not valid JSON")
		return
	}
	if alert.Workflow == "" || alert.Conclusion == "" {
		h.respondError(w, http.StatusBadRequest, string(errs.Validation), "workflow and conclusion are required")
		return
	}

	project := alert.HeadBranch
	if project == "" {
		project = defaultProject
	}
	h.submit(w, r, routeAlert, body, Job{
		Agent:   alertAgent,
		Command: defaultCommand,
		Project: project,
		Meta: map[string]any{
			"source":     "workflow_alert",
			"workflow":   alert.Workflow,
			"conclusion": alert.Conclusion,
			"run_id":     alert.RunID,
			"html_url":   alert.HTMLURL,
		},
	})
}

// readVerified reads the bounded body and checks the signature when a
// secret is configured. It writes the error response itself.
func (h *Handler) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxBodySize+1))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, string(errs.Validation), "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > h.opts.MaxBodySize {
		h.respondError(w, http.StatusRequestEntityTooLarge, string(errs.Validation), "payload too large")
		return nil, false
	}

	if h.opts.Secret != "" {
		if err := verifyRequest(r.Header, body, h.opts.Secret); err != nil {
			h.logger.Warn("inbound signature verification failed",
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
			)
			h.respondError(w, http.StatusUnauthorized, "unauthorized", "")
			return nil, false
		}
	}
	return body, true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, route string, body []byte, job Job) {
	key := digest(route, body)
	if taskID, dup := h.dedupe.lookup(key); dup {
		h.logger.Info("duplicate inbound payload", "path", route, "task_id", taskID)
		h.respondJSON(w, http.StatusOK, Response{OK: true, TaskID: taskID, Duplicate: true})
		return
	}

	sub, err := h.submitter.SubmitJob(r.Context(), job)
	if err != nil {
		status := errs.HTTPStatus(err)
		code := string(errs.KindOf(err))
		h.logger.Warn("inbound task rejected", "path", route, "command", job.Command, "error", err)
		h.respondError(w, status, code, err.Error())
		return
	}
	h.dedupe.remember(key, sub.TaskID)

	h.logger.Info("inbound task created",
		"path", route,
		"task_id", sub.TaskID,
		"command", job.Command,
		"project", job.Project,
		"queued", sub.Queued,
	)
	h.respondJSON(w, http.StatusAccepted, Response{OK: true, TaskID: sub.TaskID, Queued: sub.Queued})
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, errorResponse{Error: code, Message: message})
}
