package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/mcpd/internal/log"
)

const (
	// DefaultTimeout is the wall-clock limit for one command.
	DefaultTimeout = 30 * time.Minute

	// DefaultOutputLimit caps captured stdout and stderr, each.
	DefaultOutputLimit = 8000

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Outcome is the terminal result of one execution. Values match task statuses.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
)

// Request identifies what to run.
type Request struct {
	TaskID  string
	Command string
	Project string
}

// Result is reported back to the task lifecycle manager.
type Result struct {
	Outcome    Outcome
	ReturnCode *int
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	Duration   time.Duration
}

// Options tunes a Dispatcher. Zero values take defaults.
type Options struct {
	WorkDir     string
	Timeout     time.Duration
	OutputLimit int
	Grace       time.Duration
	Env         []string
}

// Dispatcher runs allow-listed commands as child processes.
type Dispatcher struct {
	allow       AllowList
	workDir     string
	timeout     time.Duration
	outputLimit int
	grace       time.Duration
	env         []string
	logger      *slog.Logger
}

// New creates a Dispatcher over allow.
func New(allow AllowList, opts Options) *Dispatcher {
	d := &Dispatcher{
		allow:       allow,
		workDir:     opts.WorkDir,
		timeout:     opts.Timeout,
		outputLimit: opts.OutputLimit,
		grace:       opts.Grace,
		env:         opts.Env,
		logger:      log.WithComponent("dispatch"),
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.outputLimit <= 0 {
		d.outputLimit = DefaultOutputLimit
	}
	if d.grace <= 0 {
		d.grace = terminationGracePeriod
	}
	return d
}

// AllowList returns the commands this dispatcher will run.
func (d *Dispatcher) AllowList() AllowList { return d.allow }

// Run executes the command for req and blocks until it exits, times out, or
// ctx is cancelled. It never retries.
func (d *Dispatcher) Run(ctx context.Context, req Request) Result {
	logger := log.WithTask(req.TaskID).With("command", req.Command)
	started := time.Now()
	res := Result{StartedAt: started}

	argv, err := d.allow.Argv(req.Command, req.Project)
	if err != nil {
		res.Outcome = OutcomeError
		res.Stderr = err.Error()
		res.Duration = time.Since(started)
		return res
	}

	stdout, stderr, code, err := d.spawn(ctx, argv, logger)
	res.Duration = time.Since(started)
	res.Stdout = stdout

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeError
		res.Stderr = errorText(fmt.Sprintf("command timed out after %s", d.timeout), stderr, d.outputLimit)
		logger.Warn("command timed out", "timeout", d.timeout)
	case errors.Is(err, context.Canceled):
		res.Outcome = OutcomeError
		res.Stderr = errorText("command cancelled", stderr, d.outputLimit)
		logger.Warn("command cancelled")
	case err != nil:
		res.Outcome = OutcomeError
		res.Stderr = errorText(err.Error(), stderr, d.outputLimit)
		logger.Error("command failed to run", "error", err)
	default:
		res.ReturnCode = &code
		res.Stderr = stderr
		if code == 0 {
			res.Outcome = OutcomeSuccess
		} else {
			res.Outcome = OutcomeFailed
		}
		logger.Info("command finished", "exit_code", code, "duration_ms", res.Duration.Milliseconds())
	}
	return res
}

// spawn starts argv without a shell and waits for it. A non-nil error means
// the process never produced an exit status of its own.
func (d *Dispatcher) spawn(ctx context.Context, argv []string, logger *slog.Logger) (string, string, int, error) {
	timeoutTimer := time.NewTimer(d.timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here rather than through CommandContext so the
	// child gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.workDir
	if len(d.env) > 0 {
		cmd.Env = d.env
	}
	// Grandchildren holding our pipes open must not stall Wait after a kill.
	cmd.WaitDelay = d.grace

	stdout := newCappedBuffer(d.outputLimit)
	stderr := newCappedBuffer(d.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning command", "argv", argv, "timeout", d.timeout)
	if err := cmd.Start(); err != nil {
		return "", "", -1, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
				return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
			}
			return stdout.String(), stderr.String(), -1, fmt.Errorf("wait for process: %w", err)
		}
		return stdout.String(), stderr.String(), 0, nil
	case <-timeoutTimer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	}

	d.terminate(cmd, waitErr, logger)
	return stdout.String(), stderr.String(), -1, cause
}

// terminate sends SIGTERM, waits the grace period, then SIGKILL.
func (d *Dispatcher) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	logger.Warn("terminating command, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(d.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// errorText puts msg first and appends whatever stderr the child produced.
func errorText(msg, captured string, limit int) string {
	captured = strings.TrimSpace(captured)
	if captured == "" {
		return truncate(msg, limit)
	}
	return truncate(msg+"\n"+captured, limit)
}
