package webhook

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogRecord is one line of the delivery log.
type LogRecord struct {
	DeliveryID   string         `json:"delivery_id"`
	WebhookID    string         `json:"webhook_id"`
	EventType    string         `json:"event_type"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LoggedAt     time.Time      `json:"logged_at"`
}

// DeliveryLog is an append-only JSON-lines file. Each record is written with
// a single Write on an O_APPEND descriptor under a mutex, so lines never
// interleave.
type DeliveryLog struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenDeliveryLog opens or creates the log at path.
func OpenDeliveryLog(path string) (*DeliveryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create delivery log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open delivery log: %w", err)
	}
	return &DeliveryLog{path: path, file: f}, nil
}

// Append writes rec as one line.
func (l *DeliveryLog) Append(rec LogRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode delivery record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("delivery log closed")
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append delivery record: %w", err)
	}
	return nil
}

// Read returns records matching webhookID (all when empty), newest last,
// keeping at most limit of the most recent (all when limit <= 0).
func (l *DeliveryLog) Read(webhookID string, limit int) ([]LogRecord, error) {
	var out []LogRecord
	err := l.scan(func(rec LogRecord) {
		if webhookID != "" && rec.WebhookID != webhookID {
			return
		}
		out = append(out, rec)
		if limit > 0 && len(out) > limit*2 {
			out = append(out[:0:0], out[len(out)-limit:]...)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

// Counts totals records per status.
func (l *DeliveryLog) Counts() (map[DeliveryStatus]int, int, error) {
	counts := make(map[DeliveryStatus]int)
	total := 0
	err := l.scan(func(rec LogRecord) {
		counts[rec.Status]++
		total++
	})
	return counts, total, err
}

func (l *DeliveryLog) scan(fn func(LogRecord)) error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec LogRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}

// Close closes the file. Later Appends fail.
func (l *DeliveryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
