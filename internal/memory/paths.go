package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// PathIDLen is the hex prefix length of a path id.
const PathIDLen = 12

// PathID derives the stable id for an already-canonical path.
func PathID(canonical string) string {
	h := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(h[:])[:PathIDLen]
}

// pathEntry is one row of state/paths.json.
type pathEntry struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// PathRegistry maps canonical directory paths to their ids and persists the
// mapping in state/paths.json. Collisions on the 12-hex prefix are rejected
// as Conflict; two directories must never share a scope.
type PathRegistry struct {
	mu      sync.Mutex
	entries map[string]pathEntry // pathId → entry
	path    string
	writer  *file.Writer
}

// NewPathRegistry loads (or initialises) the registry at statePath.
func NewPathRegistry(statePath string, writer *file.Writer) (*PathRegistry, error) {
	r := &PathRegistry{
		entries: make(map[string]pathEntry),
		path:    statePath,
		writer:  writer,
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		slog.Warn("paths.json corrupt, starting fresh", "path", statePath, "error", err)
		r.entries = make(map[string]pathEntry)
	}
	return r, nil
}

// Resolve canonicalises cwd and returns its path id, registering it on first
// sight. Symlinked aliases of the same directory resolve to the same id.
func (r *PathRegistry) Resolve(cwd string) (string, error) {
	canonical, err := Canonicalize(cwd)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, "canonicalize path", err)
	}

	id := PathID(canonical)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		if existing.Path != canonical {
			return "", errkind.Newf(errkind.Conflict, "path id %s collides: %s vs %s", id, existing.Path, canonical)
		}
		return id, nil
	}

	r.entries[id] = pathEntry{Path: canonical, CreatedAt: time.Now().UTC()}
	if err := r.saveLocked(); err != nil {
		delete(r.entries, id)
		return "", err
	}
	return id, nil
}

// Lookup returns the canonical path for an id, if registered.
func (r *PathRegistry) Lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e.Path, ok
}

func (r *PathRegistry) saveLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	return r.writer.Write(r.path, data, file.OwnerOnly)
}

// Canonicalize resolves cwd to an absolute symlink-free path.
func Canonicalize(cwd string) (string, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet; fall back to the cleaned absolute form.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return resolved, nil
}
