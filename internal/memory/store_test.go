package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), ".codeck"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestResolveScope_SymlinkAliasesShareID(t *testing.T) {
	s := newTestStore(t)

	real := filepath.Join(t.TempDir(), "code")
	if err := os.MkdirAll(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(t.TempDir(), "alias")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	idReal, err := s.ResolveScope(real)
	if err != nil {
		t.Fatalf("ResolveScope(real): %v", err)
	}
	idLink, err := s.ResolveScope(link)
	if err != nil {
		t.Fatalf("ResolveScope(link): %v", err)
	}
	if idReal != idLink {
		t.Errorf("ids differ: %s vs %s", idReal, idLink)
	}
	if len(idReal) != PathIDLen {
		t.Errorf("id length = %d, want %d", len(idReal), PathIDLen)
	}
}

func TestPathRegistry_CollisionIsConflict(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	id, err := s.ResolveScope(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Force a collision: same id already registered for a different path.
	s.paths.mu.Lock()
	s.paths.entries[id] = pathEntry{Path: "/somewhere/else", CreatedAt: time.Now()}
	s.paths.mu.Unlock()

	_, err = s.ResolveScope(dir)
	if errkind.Of(err) != errkind.Conflict {
		t.Errorf("kind = %v, want Conflict", errkind.Of(err))
	}
}

func TestAppendDaily_SanitisesAndAccumulates(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendDaily(GlobalScope, "deployed with token=abcdef123456"); err != nil {
		t.Fatalf("AppendDaily: %v", err)
	}
	if err := s.AppendDaily(GlobalScope, "second entry"); err != nil {
		t.Fatalf("AppendDaily: %v", err)
	}

	got, err := s.ReadDaily(GlobalScope, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "abcdef123456") {
		t.Errorf("secret survived in daily note: %q", got)
	}
	if !strings.Contains(got, "token=[REDACTED]") {
		t.Errorf("missing redaction marker: %q", got)
	}
	if !strings.Contains(got, "second entry") {
		t.Errorf("second append lost: %q", got)
	}
}

func TestAddDecision_SlugAndLocation(t *testing.T) {
	s := newTestStore(t)
	path, err := s.AddDecision(GlobalScope, "Use SQLite FTS!", "# Context\nwe need search")
	if err != nil {
		t.Fatalf("AddDecision: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "ADR-") || !strings.HasSuffix(base, "-use-sqlite-fts.md") {
		t.Errorf("decision filename = %q", base)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("decision file missing: %v", err)
	}
}

func TestContextBlock_MergesScopes(t *testing.T) {
	s := newTestStore(t)
	cwd := t.TempDir()
	scope, err := s.ResolveScope(cwd)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.WriteDurable(GlobalScope, "global fact"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteDurable(scope, "project fact"); err != nil {
		t.Fatal(err)
	}

	block, err := s.ContextBlock(cwd, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(block, "global fact") || !strings.Contains(block, "project fact") {
		t.Errorf("context block missing scopes: %q", block)
	}
}

func TestFlusher_Cooldown(t *testing.T) {
	s := newTestStore(t)
	f := NewFlusher(s)
	now := time.Now()
	f.now = func() time.Time { return now }

	if err := f.Flush(GlobalScope, "first"); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	err := f.Flush(GlobalScope, "second")
	if errkind.Of(err) != errkind.RateLimited {
		t.Fatalf("kind = %v, want RateLimited", errkind.Of(err))
	}
	if errkind.RetryAfterOf(err) <= 0 {
		t.Errorf("retry hint = %v, want > 0", errkind.RetryAfterOf(err))
	}

	// Other scopes are unaffected.
	if err := f.Flush("abcdef123456", "other scope"); err != nil {
		t.Errorf("other-scope flush: %v", err)
	}

	// After the cooldown, flushing succeeds again.
	now = now.Add(31 * time.Second)
	if err := f.Flush(GlobalScope, "third"); err != nil {
		t.Errorf("post-cooldown flush: %v", err)
	}
}

func TestSummarize_ShortSessionSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	writeTranscriptLines(t, path, []TranscriptLine{
		{TS: time.Now(), Role: RoleInput, Text: "hi"},
		{TS: time.Now().Add(5 * time.Second), Role: RoleOutput, Text: "hello"},
	})

	sum, err := Summarize("s", path)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum != nil {
		t.Errorf("short session produced a summary: %+v", sum)
	}
}

func TestSummarize_CollectsInputsFilesErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	base := time.Now()
	writeTranscriptLines(t, path, []TranscriptLine{
		{TS: base, Role: RoleInput, Text: "fix the parser"},
		{TS: base.Add(10 * time.Second), Role: RoleOutput, Text: "editing internal/index/chunk.go now"},
		{TS: base.Add(20 * time.Second), Role: RoleOutput, Text: "error: unexpected token"},
		{TS: base.Add(45 * time.Second), Role: RoleOutput, Text: "done"},
	})

	sum, err := Summarize("s", path)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum == nil {
		t.Fatal("expected a summary for a 45s session")
	}
	if len(sum.UserInputs) != 1 || sum.UserInputs[0] != "fix the parser" {
		t.Errorf("inputs = %v", sum.UserInputs)
	}
	if len(sum.FilesSeen) != 1 || sum.FilesSeen[0] != "internal/index/chunk.go" {
		t.Errorf("files = %v", sum.FilesSeen)
	}
	if sum.ErrorCount == 0 {
		t.Error("error count = 0, want > 0")
	}
	if !strings.Contains(sum.Markdown(), "fix the parser") {
		t.Errorf("markdown missing input: %q", sum.Markdown())
	}
}

func writeTranscriptLines(t *testing.T, path string, lines []TranscriptLine) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			t.Fatal(err)
		}
	}
}
