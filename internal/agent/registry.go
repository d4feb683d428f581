// Package agent tracks the worker processes known to the coordinator and the
// controllers that announce themselves through heartbeats.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/mcpd/internal/errs"
)

// DefaultStaleAfter excludes agents unseen for this long from routing.
const DefaultStaleAfter = 10 * time.Minute

// Status is an agent's availability.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// ErrInvalid is returned for malformed registrations.
var ErrInvalid = errs.New(errs.Validation, "invalid agent")

// Record is one agent as seen by the coordinator.
type Record struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	Status       Status    `json:"status"`
	PID          *int      `json:"pid"`
	LastSeen     time.Time `json:"last_seen"`
	QueueSize    int       `json:"queue_size"`
}

// HasCapability reports whether the agent advertises capability.
func (r *Record) HasCapability(capability string) bool {
	i := sort.SearchStrings(r.Capabilities, capability)
	return i < len(r.Capabilities) && r.Capabilities[i] == capability
}

func (r *Record) clone() *Record {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.PID != nil {
		pid := *r.PID
		c.PID = &pid
	}
	return &c
}

// Controller is a liveness announcement from a project controller.
type Controller struct {
	Agent         string    `json:"agent"`
	Project       string    `json:"project,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry holds agents and controllers behind one mutex.
type Registry struct {
	now        func() time.Time
	staleAfter time.Duration

	mu          sync.Mutex
	agents      map[string]*Record
	controllers map[string]Controller
}

// NewRegistry creates an empty registry. A nil clock means time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:         now,
		staleAfter:  DefaultStaleAfter,
		agents:      make(map[string]*Record),
		controllers: make(map[string]Controller),
	}
}

// Register creates or refreshes an agent. Capabilities replace earlier ones.
func (r *Registry) Register(id string, capabilities []string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(id)
	rec.Capabilities = normalize(capabilities)
	rec.LastSeen = r.now().UTC()
	return rec.clone(), nil
}

// Heartbeat records a controller announcement and refreshes the agent's last_seen.
func (r *Registry) Heartbeat(id, project string) (Controller, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Controller{}, fmt.Errorf("%w: agent is required", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	c := Controller{Agent: id, Project: project, LastHeartbeat: now}
	r.controllers[id] = c
	if rec, ok := r.agents[id]; ok {
		rec.LastSeen = now
	}
	return c, nil
}

// Assign counts a task against the agent, registering it on first sight.
func (r *Registry) Assign(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(id)
	rec.QueueSize++
	rec.Status = StatusBusy
	rec.LastSeen = r.now().UTC()
}

// Release undoes one Assign. The agent goes idle when its queue empties.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return
	}
	if rec.QueueSize > 0 {
		rec.QueueSize--
	}
	if rec.QueueSize == 0 {
		rec.Status = StatusIdle
	}
}

// SetPID records the OS process currently serving the agent; nil clears it.
func (r *Registry) SetPID(id string, pid *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[id]; ok {
		rec.PID = pid
	}
}

// Get returns a copy of one agent.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns all agents sorted by id.
func (r *Registry) List() []*Record {
	r.mu.Lock()
	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Controllers returns controllers sorted by agent.
func (r *Registry) Controllers() []Controller {
	r.mu.Lock()
	out := make([]Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Best picks the agent to route a capability to: fresh agents only, then the
// shortest queue, then the most recently seen, then id for determinism.
func (r *Registry) Best(capability string) (*Record, bool) {
	cutoff := r.now().Add(-r.staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Record
	for _, rec := range r.agents {
		if capability != "" && !rec.HasCapability(capability) {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

func better(a, b *Record) bool {
	if a.QueueSize != b.QueueSize {
		return a.QueueSize < b.QueueSize
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID < b.ID
}

func (r *Registry) ensure(id string) *Record {
	rec, ok := r.agents[id]
	if !ok {
		rec = &Record{ID: id, Status: StatusIdle, Capabilities: []string{}}
		r.agents[id] = rec
	}
	return rec
}

// normalize trims, dedupes and sorts capability names.
func normalize(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
