package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DeadLetter is a task that exhausted its retry budget.
type DeadLetter struct {
	TaskID         string    `json:"task_id"`
	Agent          string    `json:"agent"`
	Command        string    `json:"command"`
	Reason         string    `json:"reason"`
	Retries        int       `json:"retries"`
	Task           *Task     `json:"task"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Attempt is one terminal execution of a task.
type Attempt struct {
	TaskID      string     `json:"task_id"`
	Attempt     int        `json:"attempt"`
	Agent       string     `json:"agent"`
	Command     string     `json:"command"`
	Status      Status     `json:"status"`
	ReturnCode  *int       `json:"return_code"`
	Stderr      string     `json:"stderr,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// History persists the dead-letter set and per-attempt history.
type History interface {
	AddDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	RecordAttempt(ctx context.Context, a Attempt) error
	Attempts(ctx context.Context, taskID string) ([]Attempt, error)
}

// SQLHistory implements History on the sqlite database opened by storage.OpenSQLite.
type SQLHistory struct {
	db *sql.DB
}

// NewSQLHistory wraps db.
func NewSQLHistory(db *sql.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

// AddDeadLetter inserts dl once; a second insert for the same task is ignored.
func (h *SQLHistory) AddDeadLetter(ctx context.Context, dl DeadLetter) error {
	snapshot, err := json.Marshal(dl.Task)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `
INSERT OR IGNORE INTO dead_letters(task_id, agent, command, reason, retries, task, dead_lettered_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, dl.TaskID, dl.Agent, dl.Command, dl.Reason, dl.Retries, string(snapshot), dl.DeadLetteredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the newest dead letters first. limit <= 0 means all.
func (h *SQLHistory) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx, `
SELECT task_id, agent, command, reason, retries, task, dead_lettered_at
FROM dead_letters
ORDER BY dead_lettered_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			snapshot string
			atS      string
		)
		if err := rows.Scan(&dl.TaskID, &dl.Agent, &dl.Command, &dl.Reason, &dl.Retries, &snapshot, &atS); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(snapshot), &t); err == nil {
			dl.Task = &t
		}
		if at, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			dl.DeadLetteredAt = at
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// RecordAttempt appends a row to task_history.
func (h *SQLHistory) RecordAttempt(ctx context.Context, a Attempt) error {
	var rc sql.NullInt64
	if a.ReturnCode != nil {
		rc = sql.NullInt64{Int64: int64(*a.ReturnCode), Valid: true}
	}
	var started sql.NullString
	if a.StartedAt != nil {
		started = sql.NullString{String: a.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := h.db.ExecContext(ctx, `
INSERT INTO task_history(task_id, attempt, agent, command, status, return_code, stderr, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, a.TaskID, a.Attempt, a.Agent, a.Command, string(a.Status), rc, a.Stderr, started, a.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

// Attempts returns the attempts of one task in order.
func (h *SQLHistory) Attempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT task_id, attempt, agent, command, status, return_code, stderr, started_at, completed_at
FROM task_history
WHERE task_id = ?
ORDER BY attempt ASC, id ASC;
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			status     string
			rc         sql.NullInt64
			stderr     sql.NullString
			startedS   sql.NullString
			completedS string
		)
		if err := rows.Scan(&a.TaskID, &a.Attempt, &a.Agent, &a.Command, &status, &rc, &stderr, &startedS, &completedS); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		a.Status = Status(status)
		if rc.Valid {
			v := int(rc.Int64)
			a.ReturnCode = &v
		}
		a.Stderr = stderr.String
		if startedS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startedS.String); err == nil {
				a.StartedAt = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
			a.CompletedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
