package console

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscriptDirFor(t *testing.T) {
	got := transcriptDirFor("/home/u/.claude", "/work/my.proj")
	want := filepath.Join("/home/u/.claude", "projects", "-work-my-proj")
	if got != want {
		t.Errorf("transcriptDirFor = %q, want %q", got, want)
	}
}

func TestHasConversationEntry(t *testing.T) {
	dir := t.TempDir()

	meta := writeTranscript(t, dir, "meta.jsonl",
		`{"type":"summary","summary":"boot"}`)
	if hasConversationEntry(meta) {
		t.Error("metadata-only transcript accepted")
	}

	real := writeTranscript(t, dir, "real.jsonl",
		`{"type":"summary","summary":"boot"}`,
		`{"type":"user","message":{"content":"hi"}}`)
	if !hasConversationEntry(real) {
		t.Error("transcript with user turn rejected")
	}

	torn := writeTranscript(t, dir, "torn.jsonl",
		`{"type":"assist`,
		`{"type":"assistant","message":{}}`)
	if !hasConversationEntry(torn) {
		t.Error("torn first line should not mask the genuine entry")
	}
}

func TestScanForConversation_FreshWantsNewFile(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "old.jsonl", `{"type":"user"}`)
	baseline := stampTranscripts(dir)

	if id := scanForConversation(dir, false, baseline); id != "" {
		t.Errorf("pre-existing file discovered as fresh: %q", id)
	}

	writeTranscript(t, dir, "abc-123.jsonl", `{"type":"user"}`)
	if id := scanForConversation(dir, false, baseline); id != "abc-123" {
		t.Errorf("fresh id = %q, want abc-123", id)
	}
}

func TestScanForConversation_ResumeWantsGrowth(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "conv-9.jsonl", `{"type":"user"}`)
	baseline := stampTranscripts(dir)

	if id := scanForConversation(dir, true, baseline); id != "" {
		t.Errorf("unchanged file discovered on resume: %q", id)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"assistant"}` + "\n")
	f.Close()
	// Nudge mtime forward for filesystems with coarse timestamps.
	future := time.Now().Add(time.Second)
	os.Chtimes(path, future, future)

	if id := scanForConversation(dir, true, baseline); id != "conv-9" {
		t.Errorf("resume id = %q, want conv-9", id)
	}
}

func TestLatestConversationID(t *testing.T) {
	configDir := t.TempDir()
	cwd := "/work/app"
	dir := transcriptDirFor(configDir, cwd)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	old := writeTranscript(t, dir, "older.jsonl", `{"type":"user"}`)
	past := time.Now().Add(-time.Hour)
	os.Chtimes(old, past, past)
	writeTranscript(t, dir, "newer.jsonl", `{"type":"assistant"}`)
	writeTranscript(t, dir, "newest-meta.jsonl", `{"type":"summary"}`)
	veryNew := time.Now().Add(time.Minute)
	os.Chtimes(filepath.Join(dir, "newest-meta.jsonl"), veryNew, veryNew)

	// newest-meta has no conversation entry, so "newer" wins.
	if got := latestConversationID(configDir, cwd); got != "newer" {
		t.Errorf("latestConversationID = %q, want newer", got)
	}

	if got := latestConversationID(configDir, "/no/such/dir"); got != "" {
		t.Errorf("missing dir = %q, want empty", got)
	}
}
