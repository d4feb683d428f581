package task

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/log"
)

// Validator decides whether a command may be run.
type Validator interface {
	Allowed(command string) bool
}

// Options configures a Manager.
type Options struct {
	// MaxRetries is the default retry budget for new tasks.
	MaxRetries int
	Now        func() time.Time
}

// Manager owns the task table. Every mutation happens under one mutex that is
// held only for the check-and-set; persistence and observer callbacks run
// after it is released.
type Manager struct {
	store     *FileStore
	history   History
	validator Validator
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task

	// persistMu orders file writes so the newest state of a task always lands last.
	persistMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(Change)
}

// NewManager creates an empty manager. Call Recover to load persisted tasks.
func NewManager(store *FileStore, history History, validator Validator, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Manager{
		store:     store,
		history:   history,
		validator: validator,
		opts:      opts,
		logger:    log.WithComponent("tasks"),
		tasks:     make(map[string]*Task),
	}
}

// OnChange registers fn for every lifecycle change. fn runs synchronously in
// the goroutine that caused the change, after the table lock is released.
func (m *Manager) OnChange(fn func(Change)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) notify(ev Event, from Status, t *Task) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(Change{Event: ev, From: from, Task: t.Clone()})
	}
}

func (m *Manager) now() time.Time { return m.opts.Now().UTC() }

// Create validates req, adds a queued task and persists it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	agent := strings.TrimSpace(req.Agent)
	command := strings.TrimSpace(req.Command)
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalid)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalid)
	}
	if m.validator != nil && !m.validator.Allowed(command) {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrCommandNotAllowed, command)
	}
	maxRetries := m.opts.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
		}
		maxRetries = *req.MaxRetries
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := m.now()
	t := &Task{
		ID:            uuid.NewString(),
		Agent:         agent,
		Command:       command,
		Project:       strings.TrimSpace(req.Project),
		Status:        StatusQueued,
		MaxRetries:    maxRetries,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Meta:          maps.Clone(req.Meta),
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	snap := t.Clone()
	m.mu.Unlock()

	if err := m.persist(t.ID); err != nil {
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("task created", "task_id", t.ID, "agent", agent, "command", command, "correlation_id", correlationID)
	m.notify(EventCreated, "", snap)
	return snap, nil
}

// Begin moves a queued task to running. A task in any other state is
// rejected with ErrNotQueued immediately; callers never wait on a rival.
func (m *Manager) Begin(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusQueued {
		status := t.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, id, status)
	}
	now := m.now()
	t.Status = StatusRunning
	t.StartedAt = &now
	t.CompletedAt = nil
	t.UpdatedAt = now
	snap := t.Clone()
	m.mu.Unlock()

	m.persistLogged(id)
	m.notify(EventStarted, StatusQueued, snap)
	return snap, nil
}

// Transition applies a state machine move. Moving to running delegates to
// Begin; moving back to queued is reserved for RetryOrDeadLetter.
func (m *Manager) Transition(ctx context.Context, id string, to Status, res Result) (*Task, error) {
	if to == StatusRunning {
		return m.Begin(ctx, id)
	}
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot transition to %q directly", ErrInvalidTransition, to)
	}

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.Status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	now := m.now()
	t.Status = to
	t.ReturnCode = res.ReturnCode
	t.Stdout = res.Stdout
	t.Stderr = res.Stderr
	if res.Reason != "" {
		t.Reason = res.Reason
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
	snap := t.Clone()
	m.mu.Unlock()

	m.persistLogged(id)
	m.recordAttempt(ctx, snap)
	m.logger.Info("task finished", "task_id", id, "status", to, "retries", snap.Retries)
	m.notify(EventCompleted, from, snap)
	return snap, nil
}

// RetryOrDeadLetter re-queues a failed task while its budget lasts, otherwise
// moves it to the dead-letter set. Repeating the call for the same failure
// returns the earlier decision without side effects.
func (m *Manager) RetryOrDeadLetter(ctx context.Context, id, reason string) (*Task, Disposition, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.DeadLettered {
		snap := t.Clone()
		m.mu.Unlock()
		return snap, DeadLettered, nil
	}
	if t.Status == StatusQueued && t.Retries > 0 {
		snap := t.Clone()
		m.mu.Unlock()
		return snap, Retried, nil
	}
	if !t.Status.Failure() {
		status := t.Status
		m.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s is %s, only failed or error tasks can be retried", ErrInvalidTransition, id, status)
	}

	from := t.Status
	now := m.now()
	t.UpdatedAt = now
	var disposition Disposition
	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = StatusQueued
		t.ReturnCode = nil
		t.Stdout = ""
		t.Stderr = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Reason = fmt.Sprintf("retry %d/%d", t.Retries, t.MaxRetries)
		if reason != "" {
			t.Reason += ": " + reason
		}
		disposition = Retried
	} else {
		if reason == "" {
			reason = "max retries exceeded"
		}
		t.DeadLettered = true
		t.Reason = reason
		disposition = DeadLettered
	}
	snap := t.Clone()
	m.mu.Unlock()

	m.persistLogged(id)
	if disposition == DeadLettered {
		if m.history != nil {
			err := m.history.AddDeadLetter(ctx, DeadLetter{
				TaskID:         snap.ID,
				Agent:          snap.Agent,
				Command:        snap.Command,
				Reason:         snap.Reason,
				Retries:        snap.Retries,
				Task:           snap,
				DeadLetteredAt: now,
			})
			if err != nil {
				m.logger.Error("failed to record dead letter", "task_id", id, "error", err)
			}
		}
		m.logger.Warn("task dead-lettered", "task_id", id, "retries", snap.Retries, "reason", snap.Reason)
		m.notify(EventDeadLettered, from, snap)
	} else {
		m.logger.Info("task re-queued", "task_id", id, "retries", snap.Retries, "max_retries", snap.MaxRetries)
		m.notify(EventRetried, from, snap)
	}
	return snap, disposition, nil
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// List returns copies matching f, oldest first.
func (m *Manager) List(f Filter) []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Agent != "" && t.Agent != f.Agent {
			continue
		}
		out = append(out, t.Clone())
	}
	m.mu.Unlock()

	sortOldestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int, 5)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

// Attempts returns the recorded attempts of a task.
func (m *Manager) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	if m.history == nil {
		return nil, nil
	}
	return m.history.Attempts(ctx, id)
}

// DeadLetters returns the dead-letter set, newest first.
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.DeadLetters(ctx, limit)
}

// Recover loads persisted tasks. Tasks left running by a previous process are
// not resumed: they become error with reason OrphanedReason. Returns the
// number of orphaned tasks.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	loaded, err := m.store.LoadAll()
	if err != nil {
		return 0, err
	}

	now := m.now()
	var orphaned []*Task
	m.mu.Lock()
	for _, t := range loaded {
		if t.Status == StatusRunning {
			t.Status = StatusError
			t.Reason = OrphanedReason
			t.ReturnCode = nil
			if t.Stderr == "" {
				t.Stderr = OrphanedReason
			} else {
				t.Stderr = OrphanedReason + "\n" + t.Stderr
			}
			t.CompletedAt = &now
			t.UpdatedAt = now
			orphaned = append(orphaned, t.Clone())
		}
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()

	for _, t := range orphaned {
		if err := m.persist(t.ID); err != nil {
			return len(orphaned), err
		}
		m.logger.Warn("orphaned task marked as error", "task_id", t.ID, "command", t.Command)
		m.notify(EventRecovered, StatusRunning, t)
	}
	m.logger.Info("task table recovered", "tasks", len(loaded), "orphaned", len(orphaned))
	return len(orphaned), nil
}

// Cleanup removes finished tasks whose last update is older than ttl.
// Queued and running tasks are never removed.
func (m *Manager) Cleanup(ctx context.Context, ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var removed []*Task
	for id, t := range m.tasks {
		if !t.Status.Terminal() {
			continue
		}
		ref := t.UpdatedAt
		if t.CompletedAt != nil {
			ref = *t.CompletedAt
		}
		if ref.Before(cutoff) {
			removed = append(removed, t.Clone())
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	m.persistMu.Lock()
	for _, t := range removed {
		if err := m.store.Delete(t.ID); err != nil {
			m.logger.Error("failed to delete task file", "task_id", t.ID, "error", err)
		}
	}
	m.persistMu.Unlock()

	for _, t := range removed {
		m.notify(EventRemoved, t.Status, t)
	}
	if len(removed) > 0 {
		m.logger.Info("expired tasks removed", "count", len(removed), "ttl", ttl)
	}
	return len(removed)
}

// StoreWritable reports whether the task directory accepts writes.
func (m *Manager) StoreWritable() error {
	return m.store.Writable()
}

// persist writes the current state of id, or deletes its file if it is gone.
func (m *Manager) persist(id string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	t, ok := m.tasks[id]
	var snap *Task
	if ok {
		snap = t.Clone()
	}
	m.mu.Unlock()

	if !ok {
		return m.store.Delete(id)
	}
	if err := m.store.Save(snap); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}
	return nil
}

func (m *Manager) persistLogged(id string) {
	if err := m.persist(id); err != nil {
		m.logger.Error("failed to persist task", "task_id", id, "error", err)
	}
}

func (m *Manager) recordAttempt(ctx context.Context, t *Task) {
	if m.history == nil || t.CompletedAt == nil {
		return
	}
	err := m.history.RecordAttempt(ctx, Attempt{
		TaskID:      t.ID,
		Attempt:     t.Retries + 1,
		Agent:       t.Agent,
		Command:     t.Command,
		Status:      t.Status,
		ReturnCode:  t.ReturnCode,
		Stderr:      t.Stderr,
		StartedAt:   t.StartedAt,
		CompletedAt: *t.CompletedAt,
	})
	if err != nil {
		m.logger.Error("failed to record task attempt", "task_id", t.ID, "error", err)
	}
}

func sortOldestFirst(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
