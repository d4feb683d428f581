package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/mcpd/internal/task"
)

// pickerLoop starts queued tasks on a fixed interval until Shutdown.
func (c *Coordinator) pickerLoop(interval time.Duration) {
	defer c.bgWG.Done()

	// Initial pass immediately
	c.Pick(c.runCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Pick(c.runCtx)
		case <-c.stopBg:
			return
		}
	}
}

// Pick starts the oldest queued tasks while fewer than MaxConcurrent
// executions are in flight. A MaxConcurrent of zero starts everything
// queued. It returns the number started.
func (c *Coordinator) Pick(ctx context.Context) int {
	slots := 0
	if limit := c.cfg.Tasks.MaxConcurrent; limit > 0 {
		slots = limit - int(c.inflight.Load())
		if slots <= 0 {
			return 0
		}
	}

	queued := c.tasks.List(task.Filter{Status: task.StatusQueued, Limit: slots})
	started := 0
	for _, t := range queued {
		if _, err := c.Execute(ctx, t.ID); err != nil {
			// Another caller claimed it first.
			if errors.Is(err, task.ErrNotQueued) {
				continue
			}
			if errors.Is(err, ErrShuttingDown) {
				return started
			}
			c.logger.Warn("picker failed to start task", "task_id", t.ID, "error", err)
			continue
		}
		started++
	}
	if started > 0 {
		c.logger.Debug("picker started tasks", "count", started)
	}
	return started
}
