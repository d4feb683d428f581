package plugin

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit appends every event it sees to a JSONL file. Without a configured
// path it keeps the most recent events in memory only.
type Audit struct {
	mu      sync.Mutex
	file    *os.File
	recent  []AuditRecord
	keep    int
	failure error
}

// AuditRecord is one line of the audit file.
type AuditRecord struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// NewAudit returns an uninitialized audit plugin.
func NewAudit() *Audit { return &Audit{keep: 100} }

func (a *Audit) Capabilities() []string { return []string{"audit"} }

func (a *Audit) Initialize(cfg map[string]any) error {
	if n, ok := cfg["keep"].(int); ok && n > 0 {
		a.keep = n
	}
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	a.file = f
	return nil
}

func (a *Audit) HandleEvent(eventType string, data map[string]any) error {
	rec := AuditRecord{Type: eventType, Data: maps.Clone(data), RecordedAt: time.Now().UTC()}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.recent = append(a.recent, rec)
	if len(a.recent) > a.keep {
		a.recent = a.recent[len(a.recent)-a.keep:]
	}
	if a.file == nil {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.failure = err
		return fmt.Errorf("write audit record: %w", err)
	}
	a.failure = nil
	return nil
}

// Recent returns the in-memory tail, oldest first.
func (a *Audit) Recent() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditRecord(nil), a.recent...)
}

func (a *Audit) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure == nil
}

func (a *Audit) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Monitor counts events by type and follows agent status changes.
type Monitor struct {
	mu     sync.Mutex
	counts map[string]int
	agents map[string]string
	last   time.Time
}

// MonitorStats is a point-in-time copy of what Monitor has seen.
type MonitorStats struct {
	Events      map[string]int    `json:"events"`
	AgentStatus map[string]string `json:"agent_status"`
	LastEventAt time.Time         `json:"last_event_at"`
}

// NewMonitor returns an uninitialized monitor plugin.
func NewMonitor() *Monitor {
	return &Monitor{counts: make(map[string]int), agents: make(map[string]string)}
}

func (m *Monitor) Capabilities() []string { return []string{"monitoring", "data_processing"} }

func (m *Monitor) Initialize(map[string]any) error { return nil }

func (m *Monitor) HandleEvent(eventType string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[eventType]++
	m.last = time.Now().UTC()

	agentID, _ := data["agent"].(string)
	if agentID == "" {
		return nil
	}
	switch eventType {
	case "agent_registered":
		m.agents[agentID] = "idle"
	case "agent_status_change":
		if status, ok := data["status"].(string); ok {
			m.agents[agentID] = status
		}
	}
	return nil
}

// Stats returns a copy of the counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		Events:      maps.Clone(m.counts),
		AgentStatus: maps.Clone(m.agents),
		LastEventAt: m.last,
	}
}

func (m *Monitor) Healthy() bool { return true }

func (m *Monitor) Shutdown() error { return nil }
