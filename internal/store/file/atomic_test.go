package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codeck-dev/codeck/internal/errkind"
)

func TestWriteAtomic_ReplacesCompletely(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteAtomic(path, []byte(`{"v":1}`), 0600); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte(`{"v":2}`), 0600); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("content = %q, want %q", data, `{"v":2}`)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}

	// No temp droppings left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestWriter_RejectsReentrantWrite(t *testing.T) {
	w := NewWriter()
	path := filepath.Join(t.TempDir(), "f")

	w.mu.Lock()
	w.active[path] = struct{}{}
	w.mu.Unlock()

	err := w.Write(path, []byte("x"), 0600)
	if errkind.Of(err) != errkind.Conflict {
		t.Errorf("kind = %v, want Conflict", errkind.Of(err))
	}
}

func TestEnsureMode_TightensLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	if err := os.WriteFile(path, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureMode(path, 0600); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}

	// Already tight: untouched, no error.
	if err := EnsureMode(path, 0600); err != nil {
		t.Errorf("EnsureMode on tight file: %v", err)
	}
	// Missing file is fine.
	if err := EnsureMode(filepath.Join(t.TempDir(), "nope"), 0600); err != nil {
		t.Errorf("EnsureMode on missing file: %v", err)
	}
}
