package plugin

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writePlugin(t *testing.T, root, dir, manifest string, script string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, manifestFilename), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if script != "" {
		if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func names(ms []*Manifest) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(t *testing.T) string
		want    []string
		wantErr bool
	}{
		{
			name: "builtin and exec plugins",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "audit", "name: audit\nversion: 1.0.0\nentry_point: builtin:audit\ncapabilities: [audit]\n", "")
				writePlugin(t, dir, "notify", "name: notify\nversion: 0.1.0\nentry_point: run.sh\n", "#!/bin/sh\necho '{\"status\":\"ok\"}'\n")
				return dir
			},
			want: []string{"audit", "notify"},
		},
		{
			name: "dependencies come first",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "a", "name: alerts\nentry_point: builtin:audit\ndependencies: [metrics-store]\n", "")
				writePlugin(t, dir, "b", "name: metrics-store\nentry_point: builtin:monitor\ndependencies: [base]\n", "")
				writePlugin(t, dir, "c", "name: base\nentry_point: builtin:monitor\n", "")
				writePlugin(t, dir, "d", "name: zeta\nentry_point: builtin:monitor\n", "")
				return dir
			},
			want: []string{"base", "metrics-store", "alerts", "zeta"},
		},
		{
			name: "unknown dependency keeps its place",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "orphan", "name: orphan\nentry_point: builtin:audit\ndependencies: [missing]\n", "")
				return dir
			},
			want: []string{"orphan"},
		},
		{
			name: "cycle members are appended by name",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "x", "name: x\nentry_point: builtin:audit\ndependencies: [y]\n", "")
				writePlugin(t, dir, "y", "name: y\nentry_point: builtin:audit\ndependencies: [x]\n", "")
				writePlugin(t, dir, "solo", "name: solo\nentry_point: builtin:audit\n", "")
				return dir
			},
			want: []string{"solo", "x", "y"},
		},
		{
			name: "invalid manifests skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "noname", "version: 1.0.0\nentry_point: builtin:audit\n", "")
				writePlugin(t, dir, "noentry", "name: noentry\n", "")
				writePlugin(t, dir, "traversal", "name: traversal\nentry_point: ../evil.sh\n", "")
				writePlugin(t, dir, "broken", "name: [unterminated\n", "")
				writePlugin(t, dir, "good", "name: good\nentry_point: builtin:monitor\n", "")
				return dir
			},
			want: []string{"good"},
		},
		{
			name: "non-executable entry point skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "nonexec", "name: nonexec\nentry_point: run.sh\n", "")
				if err := os.WriteFile(filepath.Join(dir, "nonexec", "run.sh"), []byte("#!/bin/sh\n"), 0o644); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			want: []string{},
		},
		{
			name: "duplicate name keeps first directory",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writePlugin(t, dir, "one", "name: dup\nversion: '1'\nentry_point: builtin:audit\n", "")
				writePlugin(t, dir, "two", "name: dup\nversion: '2'\nentry_point: builtin:audit\n", "")
				return dir
			},
			want: []string{"dup"},
		},
		{
			name: "directory without manifest skipped",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				if err := os.Mkdir(filepath.Join(dir, "empty"), 0o755); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover(tt.setupFn(t), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Discover() error = %v, wantErr %v", err, tt.wantErr)
			}
			gotNames := names(got)
			if len(gotNames) != len(tt.want) {
				t.Fatalf("Discover() = %v, want %v", gotNames, tt.want)
			}
			for i := range tt.want {
				if gotNames[i] != tt.want[i] {
					t.Fatalf("Discover() = %v, want %v", gotNames, tt.want)
				}
			}
		})
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "absent"), nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want fs.ErrNotExist, got %v", err)
	}
}

func TestDiscoverResolvesExecEntryPoint(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "notify", "name: notify\nentry_point: run.sh\n", "#!/bin/sh\n")

	got, err := Discover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 manifest, got %d", len(got))
	}
	if !filepath.IsAbs(got[0].EntryPoint) || got[0].Kind() != KindExec {
		t.Errorf("entry point not resolved: %+v", got[0])
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{name: "builtin", manifest: Manifest{Name: "audit", EntryPoint: "builtin:audit"}},
		{name: "relative exec", manifest: Manifest{Name: "n", EntryPoint: "bin/run"}},
		{name: "missing name", manifest: Manifest{EntryPoint: "builtin:audit"}, wantErr: true},
		{name: "missing entry point", manifest: Manifest{Name: "n"}, wantErr: true},
		{name: "empty builtin", manifest: Manifest{Name: "n", EntryPoint: "builtin:"}, wantErr: true},
		{name: "absolute exec", manifest: Manifest{Name: "n", EntryPoint: "/usr/bin/env"}, wantErr: true},
		{name: "traversal", manifest: Manifest{Name: "n", EntryPoint: "bin/../../x"}, wantErr: true},
		{name: "self dependency", manifest: Manifest{Name: "n", EntryPoint: "builtin:audit", Dependencies: []string{"n"}}, wantErr: true},
		{name: "blank dependency", manifest: Manifest{Name: "n", EntryPoint: "builtin:audit", Dependencies: []string{" "}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.manifest
			err := validateManifest(&m)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateManifest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTrust(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(t *testing.T) (entrypoint, pluginPath, pluginsDir string)
		wantErr bool
	}{
		{
			name: "valid executable",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				writePlugin(t, dir, "p", "name: p\n", "#!/bin/sh\n")
				return filepath.Join(dir, "p", "run.sh"), filepath.Join(dir, "p"), dir
			},
		},
		{
			name: "symlink escaping plugin dir",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				outside := filepath.Join(t.TempDir(), "evil.sh")
				if err := os.WriteFile(outside, []byte("#!/bin/sh\n"), 0o755); err != nil {
					t.Fatal(err)
				}
				writePlugin(t, dir, "p", "name: p\n", "")
				link := filepath.Join(dir, "p", "run.sh")
				if err := os.Symlink(outside, link); err != nil {
					t.Skip("symlinks unsupported")
				}
				return link, filepath.Join(dir, "p"), dir
			},
			wantErr: true,
		},
		{
			name: "world-writable plugin directory",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				writePlugin(t, dir, "p", "name: p\n", "#!/bin/sh\n")
				pluginDir := filepath.Join(dir, "p")
				if err := os.Chmod(pluginDir, 0o777); err != nil {
					t.Skip("cannot set world-writable on this filesystem")
				}
				info, _ := os.Stat(pluginDir)
				if info.Mode().Perm()&0o002 == 0 {
					t.Skip("filesystem does not support world-writable directories")
				}
				return filepath.Join(pluginDir, "run.sh"), pluginDir, dir
			},
			wantErr: true,
		},
		{
			name: "nonexistent entrypoint",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				writePlugin(t, dir, "p", "name: p\n", "")
				return filepath.Join(dir, "p", "missing.sh"), filepath.Join(dir, "p"), dir
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entrypoint, pluginPath, pluginsDir := tt.setupFn(t)
			err := validateTrust(entrypoint, pluginPath, pluginsDir)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTrust() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
