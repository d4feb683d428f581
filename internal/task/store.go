package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/mcpd/internal/storage"
)

const tempPattern = ".task-*.tmp"

// FileStore keeps one JSON document per task under dir. Writes go to a
// temporary file in the same directory, are fsynced, then renamed over the
// target, so readers see either the old or the new document, never a mix.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates dir if needed and refuses network mounts.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}
	if err := storage.RequireLocal(dir); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save atomically replaces the document for t.
func (s *FileStore) Save(t *Task) error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("refusing to persist task with malformed id %q", t.ID)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return storage.WriteFileAtomic(s.path(t.ID), data, tempPattern)
}

// Delete removes the document for id. Missing files are not an error.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every task document, oldest first. Unreadable documents are
// skipped with a warning; leftover temp files from an interrupted write are removed.
func (s *FileStore) LoadAll() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	var tasks []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".task-") && strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if filepath.Ext(name) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable task file", "file", name, "error", err)
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			s.logger.Warn("skipping corrupt task file", "file", name, "error", err)
			continue
		}
		if t.ID == "" || t.ID+".json" != name || !t.Status.Valid() {
			s.logger.Warn("skipping inconsistent task file", "file", name, "id", t.ID, "status", t.Status)
			continue
		}
		tasks = append(tasks, &t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Writable verifies a file can be created in the store directory.
func (s *FileStore) Writable() error {
	f, err := os.CreateTemp(s.dir, ".task-probe-*.tmp")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
