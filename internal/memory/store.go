// Package memory implements the hierarchical markdown/JSONL store rooted at
// <workspace>/.codeck/. All writes are atomic and pass through secret
// redaction before hitting disk.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeck-dev/codeck/internal/store/file"
)

// GlobalScope addresses the workspace-wide memory root; any other scope is a
// path id.
const GlobalScope = "global"

// Store owns the memory tree.
type Store struct {
	root   string // <workspace>/.codeck
	writer *file.Writer
	paths  *PathRegistry
}

// New opens the memory store under stateRoot, creating the layout on first
// use.
func New(stateRoot string) (*Store, error) {
	writer := file.NewWriter()

	for _, dir := range []string{
		filepath.Join(stateRoot, "memory", "daily"),
		filepath.Join(stateRoot, "memory", "decisions"),
		filepath.Join(stateRoot, "memory", "paths"),
		filepath.Join(stateRoot, "sessions"),
		filepath.Join(stateRoot, "index"),
		filepath.Join(stateRoot, "state"),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("memory layout: %w", err)
		}
	}

	paths, err := NewPathRegistry(filepath.Join(stateRoot, "state", "paths.json"), writer)
	if err != nil {
		return nil, fmt.Errorf("path registry: %w", err)
	}

	return &Store{root: stateRoot, writer: writer, paths: paths}, nil
}

// Root returns the state root (the `.codeck` dir).
func (s *Store) Root() string { return s.root }

// MemoryDir returns the memory sub-tree root.
func (s *Store) MemoryDir() string { return filepath.Join(s.root, "memory") }

// SessionsDir returns the transcript directory.
func (s *Store) SessionsDir() string { return filepath.Join(s.root, "sessions") }

// IndexDir returns the search index directory.
func (s *Store) IndexDir() string { return filepath.Join(s.root, "index") }

// Paths exposes the path registry.
func (s *Store) Paths() *PathRegistry { return s.paths }

// ResolveScope converts a working directory to a scope (path id).
func (s *Store) ResolveScope(cwd string) (string, error) {
	return s.paths.Resolve(cwd)
}

// scopeDir maps a scope to its directory.
func (s *Store) scopeDir(scope string) string {
	if scope == GlobalScope || scope == "" {
		return s.MemoryDir()
	}
	return filepath.Join(s.MemoryDir(), "paths", scope)
}

// DurablePath returns the MEMORY.md path for a scope.
func (s *Store) DurablePath(scope string) string {
	return filepath.Join(s.scopeDir(scope), "MEMORY.md")
}

// DailyPath returns the daily note path for a scope and day.
func (s *Store) DailyPath(scope string, day time.Time) string {
	return filepath.Join(s.scopeDir(scope), "daily", day.Format("2006-01-02")+".md")
}

// ReadDurable returns the durable memory for a scope ("" when absent).
func (s *Store) ReadDurable(scope string) (string, error) {
	data, err := os.ReadFile(s.DurablePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// WriteDurable replaces a scope's MEMORY.md. Content is sanitised first.
func (s *Store) WriteDurable(scope, content string) error {
	return s.writer.Write(s.DurablePath(scope), []byte(Sanitize(content)), file.OwnerOnly)
}

// AppendDaily appends a block to today's daily note for the scope.
func (s *Store) AppendDaily(scope, content string) error {
	return s.appendFile(s.DailyPath(scope, time.Now()), Sanitize(content))
}

// ReadDaily returns a scope's daily note for a day ("" when absent).
func (s *Store) ReadDaily(scope string, day time.Time) (string, error) {
	data, err := os.ReadFile(s.DailyPath(scope, day))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// AddDecision writes an ADR under decisions/ for the scope. The slug is
// lower-cased and restricted to [a-z0-9-].
func (s *Store) AddDecision(scope, slug, content string) (string, error) {
	slug = slugify(slug)
	if slug == "" {
		slug = "decision"
	}
	name := fmt.Sprintf("ADR-%s-%s.md", time.Now().Format("2006-01-02"), slug)
	path := filepath.Join(s.scopeDir(scope), "decisions", name)
	if err := s.writer.Write(path, []byte(Sanitize(content)), file.OwnerOnly); err != nil {
		return "", err
	}
	return path, nil
}

// ContextBlock assembles the memory context injected into a new agent
// session: global durable memory, the cwd scope's durable memory, and the
// scope's most recent daily note, capped at maxBytes.
func (s *Store) ContextBlock(cwd string, maxBytes int) (string, error) {
	var b strings.Builder

	global, _ := s.ReadDurable(GlobalScope)
	if global != "" {
		b.WriteString("## Workspace memory\n\n")
		b.WriteString(global)
		b.WriteString("\n\n")
	}

	scope, err := s.ResolveScope(cwd)
	if err == nil {
		if pathMem, _ := s.ReadDurable(scope); pathMem != "" {
			b.WriteString("## Project memory\n\n")
			b.WriteString(pathMem)
			b.WriteString("\n\n")
		}
		if daily, _ := s.ReadDaily(scope, time.Now()); daily != "" {
			b.WriteString("## Today\n\n")
			b.WriteString(daily)
			b.WriteString("\n")
		}
	}

	out := b.String()
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[:maxBytes] + "\n…(truncated)\n"
	}
	return out, nil
}

// appendFile appends content followed by a newline, atomically rewriting the
// file (read + concat + atomic replace keeps the all-or-nothing property).
func (s *Store) appendFile(path, content string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var data []byte
	data = append(data, existing...)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, content...)
	data = append(data, '\n')
	return s.writer.Write(path, data, file.OwnerOnly)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
