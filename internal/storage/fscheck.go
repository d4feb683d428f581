package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteKinds are filesystem names that cannot be trusted with rename(2)
// atomicity or fcntl locks.
var remoteKinds = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// Filesystem describes where a storage path actually lives.
type Filesystem struct {
	Probed string // nearest existing ancestor that was inspected
	Kind   string
}

// Remote reports whether the filesystem is a network mount.
func (f Filesystem) Remote() bool {
	return slices.Contains(remoteKinds, strings.ToLower(strings.TrimSpace(f.Kind)))
}

type kindProbe func(path string) (string, error)

// RequireLocal fails when path, or the closest ancestor that exists yet,
// sits on a network filesystem. Both the task directory and the database
// go through it before anything is written.
func RequireLocal(path string) error {
	return requireLocal(path, detectFilesystemType)
}

func requireLocal(path string, probe kindProbe) error {
	fsys, err := inspect(path, probe)
	if err != nil {
		return err
	}
	if fsys.Remote() {
		return fmt.Errorf("storage path %q is on network filesystem %q; mcpd requires a local filesystem for atomic task writes and database locking. Point service.data_dir (or MCP_DATA_DIR) at local disk",
			path, fsys.Kind)
	}
	return nil
}

func inspect(path string, probe kindProbe) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, errors.New("storage path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve storage path %q: %w", path, err)
	}

	dir := abs
	for {
		_, statErr := os.Stat(dir)
		if statErr == nil {
			break
		}
		if !errors.Is(statErr, os.ErrNotExist) {
			return Filesystem{}, fmt.Errorf("resolve storage path %q: %w", path, statErr)
		}
		up := filepath.Dir(dir)
		if up == dir {
			return Filesystem{}, fmt.Errorf("resolve storage path %q: nothing on the way to / exists", path)
		}
		dir = up
	}

	kind, err := probe(dir)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	return Filesystem{Probed: dir, Kind: kind}, nil
}
