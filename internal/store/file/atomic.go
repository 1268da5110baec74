// Package file provides the atomic on-disk persistence primitives shared by
// every component that owns a state file. Writes are temp-then-rename with
// fsync so a file is always observed either complete or absent.
package file

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/codeck-dev/codeck/internal/errkind"
)

// OwnerOnly is the mode for files carrying secrets or operator state.
const OwnerOnly = os.FileMode(0600)

// Writer serialises atomic writes and rejects re-entrant concurrent writes
// to the same path. One Writer instance is shared per component tree.
type Writer struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewWriter creates an atomic writer.
func NewWriter() *Writer {
	return &Writer{active: make(map[string]struct{})}
}

// Write atomically replaces path with data at the given mode. A concurrent
// write to the same path returns Conflict instead of interleaving.
func (w *Writer) Write(path string, data []byte, mode os.FileMode) error {
	w.mu.Lock()
	if _, busy := w.active[path]; busy {
		w.mu.Unlock()
		return errkind.Newf(errkind.Conflict, "concurrent write to %s", filepath.Base(path))
	}
	w.active[path] = struct{}{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.active, path)
		w.mu.Unlock()
	}()

	return WriteAtomic(path, data, mode)
}

// WriteAtomic writes data to path via a temp file and rename. The temp file
// is removed on any failure.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// EnsureMode tightens permissions in place when a read finds them looser
// than want. Missing files are not an error.
func EnsureMode(path string, want os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Perm()&^want.Perm() != 0 {
		return os.Chmod(path, want)
	}
	return nil
}
