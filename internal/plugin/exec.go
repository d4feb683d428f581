package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/protocol"
)

const (
	defaultExecTimeout = 10 * time.Second
	execGracePeriod    = 2 * time.Second
	maxPluginStderr    = 4096
)

// ExecPlugin adapts an executable entry point to Plugin. Each call spawns
// the entry point once, writes one request to stdin and reads one response.
type ExecPlugin struct {
	manifest *Manifest
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	config  map[string]any
	caps    []string
	healthy bool
}

// NewExecPlugin wraps the manifest's entry point.
func NewExecPlugin(m *Manifest, timeout time.Duration) *ExecPlugin {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecPlugin{
		manifest: m,
		timeout:  timeout,
		logger:   log.WithPlugin(m.Name),
		caps:     append([]string(nil), m.Capabilities...),
	}
}

func (p *ExecPlugin) Capabilities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.caps...)
}

func (p *ExecPlugin) Initialize(cfg map[string]any) error {
	p.mu.Lock()
	p.config = maps.Clone(cfg)
	p.mu.Unlock()

	resp, err := p.call(protocol.OpInit, nil)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(resp.Capabilities) > 0 {
		p.caps = resp.Capabilities
	}
	p.healthy = resp.IsHealthy()
	return nil
}

func (p *ExecPlugin) HandleEvent(eventType string, data map[string]any) error {
	_, err := p.call(protocol.OpHandleEvent, &protocol.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	return err
}

// Healthy asks the process; any error counts as unhealthy.
func (p *ExecPlugin) Healthy() bool {
	resp, err := p.call(protocol.OpHealth, nil)
	healthy := err == nil && resp.IsHealthy()

	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
	return healthy
}

func (p *ExecPlugin) Shutdown() error {
	_, err := p.call(protocol.OpShutdown, nil)
	return err
}

func (p *ExecPlugin) call(op string, ev *protocol.Event) (*protocol.Response, error) {
	p.mu.Lock()
	cfg := p.config
	p.mu.Unlock()

	req := &protocol.Request{
		Protocol:   protocol.Version,
		Op:         op,
		Plugin:     p.manifest.Name,
		Config:     cfg,
		Event:      ev,
		DeadlineAt: time.Now().Add(p.timeout).UTC(),
	}

	resp, stderr, err := p.spawn(req)
	if stderr != "" {
		p.logger.Debug("plugin stderr", "op", op, "stderr", stderr)
	}
	if err != nil {
		return nil, fmt.Errorf("plugin %s %s: %w", p.manifest.Name, op, err)
	}
	for _, l := range resp.Logs {
		p.logger.Log(context.Background(), log.ParseLevel(l.Level), l.Message, "op", op)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("plugin %s %s: %s", p.manifest.Name, op, resp.Error)
	}
	return resp, nil
}

func (p *ExecPlugin) spawn(req *protocol.Request) (*protocol.Response, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, req); err != nil {
		return nil, "", err
	}

	cmd := exec.CommandContext(ctx, p.manifest.EntryPoint)
	cmd.Dir = p.manifest.Dir
	cmd.Stdin = &stdin
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = execGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	errText := stderr.String()
	if len(errText) > maxPluginStderr {
		errText = errText[:maxPluginStderr]
	}
	errText = strings.TrimSpace(errText)

	if ctx.Err() != nil {
		return nil, errText, fmt.Errorf("timed out after %s", p.timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, errText, fmt.Errorf("run entry point: %w", runErr)
		}
		p.logger.Warn("plugin exited with non-zero status", "op", req.Op, "exit_code", exitErr.ExitCode())
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		p.logger.Error("failed to decode plugin response", "error", err, "stdout", string(raw))
		return nil, errText, fmt.Errorf("decode response: %w", err)
	}
	return resp, errText, nil
}
