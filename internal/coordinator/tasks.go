package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/ingest"
	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/task"
)

// ErrShuttingDown rejects executions once Shutdown has begun.
var ErrShuttingDown = errs.New(errs.Conflict, "coordinator is shutting down")

// RunRequest asks for a new task.
type RunRequest struct {
	Agent         string         `json:"agent"`
	Command       string         `json:"command"`
	Project       string         `json:"project,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	// Execute starts the task immediately instead of leaving it for the picker.
	Execute bool `json:"execute,omitempty"`
}

// Submit creates a task and optionally starts it. The returned task is
// queued, or running when Execute was set.
func (c *Coordinator) Submit(ctx context.Context, req RunRequest) (*task.Task, error) {
	t, err := c.tasks.Create(ctx, task.CreateRequest{
		Agent:         req.Agent,
		Command:       req.Command,
		Project:       req.Project,
		Meta:          req.Meta,
		CorrelationID: req.CorrelationID,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	if !req.Execute {
		return t, nil
	}
	running, err := c.Execute(ctx, t.ID)
	if err != nil {
		// The task exists and stays queued for the picker.
		c.logger.Warn("immediate execution not started", "task_id", t.ID, "error", err)
		return t, nil
	}
	return running, nil
}

// SubmitJob adapts inbound receiver jobs to Submit.
func (c *Coordinator) SubmitJob(ctx context.Context, job ingest.Job) (ingest.Submission, error) {
	t, err := c.Submit(ctx, RunRequest{
		Agent:   job.Agent,
		Command: job.Command,
		Project: job.Project,
		Meta:    job.Meta,
		Execute: job.Execute,
	})
	if err != nil {
		return ingest.Submission{}, err
	}
	return ingest.Submission{TaskID: t.ID, Queued: t.Status == task.StatusQueued}, nil
}

// Execute claims a queued task and runs it in the background. A task that is
// not queued is rejected with task.ErrNotQueued; the caller never waits for
// the command to finish.
func (c *Coordinator) Execute(ctx context.Context, id string) (*task.Task, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	// Add under mu so Shutdown's Wait cannot miss this execution.
	c.execWG.Add(1)
	c.mu.Unlock()

	t, err := c.tasks.Begin(ctx, id)
	if err != nil {
		c.execWG.Done()
		return nil, err
	}
	c.inflight.Add(1)
	go c.run(t)
	return t, nil
}

func (c *Coordinator) run(t *task.Task) {
	defer c.execWG.Done()
	defer c.inflight.Add(-1)

	logger := log.WithTask(t.ID)
	res := c.runner.Run(c.runCtx, dispatch.Request{TaskID: t.ID, Command: t.Command, Project: t.Project})

	status := task.Status(res.Outcome)
	if !status.Terminal() {
		status = task.StatusError
	}
	// Persistence must finish even when runCtx was cancelled at shutdown.
	ctx := context.WithoutCancel(c.runCtx)
	done, err := c.tasks.Transition(ctx, t.ID, status, task.Result{
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	})
	if err != nil {
		logger.Error("failed to record task result", "status", status, "error", err)
		return
	}
	if !status.Failure() || !c.cfg.Tasks.AutoRetry {
		return
	}
	if _, disposition, err := c.tasks.RetryOrDeadLetter(ctx, t.ID, failureReason(done)); err != nil {
		logger.Error("retry policy failed", "error", err)
	} else {
		logger.Debug("retry policy applied", "disposition", disposition)
	}
}

// Retry applies the retry policy to a failed task on request.
func (c *Coordinator) Retry(ctx context.Context, id, reason string) (*task.Task, task.Disposition, error) {
	if reason == "" {
		reason = "manual retry"
	}
	return c.tasks.RetryOrDeadLetter(ctx, id, reason)
}

// failureReason summarises an attempt for the retry reason.
func failureReason(t *task.Task) string {
	if t.Status == task.StatusFailed && t.ReturnCode != nil {
		return fmt.Sprintf("exit code %d", *t.ReturnCode)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(t.Stderr), "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	if line == "" {
		return string(t.Status)
	}
	return line
}
