package ingest

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultDedupeWindow is how long a payload digest is remembered.
const DefaultDedupeWindow = 10 * time.Minute

type seenEntry struct {
	taskID string
	at     time.Time
}

// deduper remembers the task created for each recent payload, keyed by the
// blake3 digest of route and body.
type deduper struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]seenEntry
}

func newDeduper(window time.Duration, now func() time.Time) *deduper {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	if now == nil {
		now = time.Now
	}
	return &deduper{window: window, now: now, seen: make(map[string]seenEntry)}
}

func digest(route string, body []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(route))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// lookup returns the task id recorded for key inside the window.
func (d *deduper) lookup(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[key]
	if !ok {
		return "", false
	}
	if d.now().Sub(e.at) > d.window {
		delete(d.seen, key)
		return "", false
	}
	return e.taskID, true
}

func (d *deduper) remember(key, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, e := range d.seen {
		if now.Sub(e.at) > d.window {
			delete(d.seen, k)
		}
	}
	d.seen[key] = seenEntry{taskID: taskID, at: now}
}
