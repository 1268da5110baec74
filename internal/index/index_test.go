package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codeck-dev/codeck/internal/memory"
)

type testIndex struct {
	ix          *Indexer
	memoryDir   string
	sessionsDir string
}

func newTestIndex(t *testing.T) *testIndex {
	t.Helper()
	root := t.TempDir()
	db, err := OpenDB(filepath.Join(root, "index", "memory.sqlite"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ti := &testIndex{
		memoryDir:   filepath.Join(root, "memory"),
		sessionsDir: filepath.Join(root, "sessions"),
	}
	for _, dir := range []string{
		ti.memoryDir,
		filepath.Join(ti.memoryDir, "daily"),
		filepath.Join(ti.memoryDir, "decisions"),
		ti.sessionsDir,
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			t.Fatal(err)
		}
	}
	ti.ix = NewIndexer(db, ti.memoryDir, ti.sessionsDir, nil)
	return ti
}

func (ti *testIndex) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(ti.memoryDir, "..", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	// Content reaches disk through the memory layer, so it arrives redacted.
	if err := os.WriteFile(path, []byte(memory.Sanitize(content)), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIndexer_SweepAndSearch(t *testing.T) {
	ti := newTestIndex(t)
	ctx := context.Background()

	ti.write(t, "memory/MEMORY.md", "# Preferences\nalways use tabs for indentation\n")
	ti.write(t, "memory/daily/2026-08-24.md", "## Session\nused token bearer ABCDEFGHIJKLMNOPQRSTUVWX today\n")
	ti.write(t, "sessions/s1.jsonl",
		`{"ts":"2026-08-24T10:00:00Z","role":"input","text":"refactor the gateway"}`+"\n")

	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	files, chunks, err := ti.ix.Stats(ctx)
	if err != nil || files != 3 || chunks < 3 {
		t.Fatalf("Stats = (%d files, %d chunks, %v), want 3 files", files, chunks, err)
	}

	hits, err := ti.ix.Search(ctx, "tabs indentation", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].Type != TypeDurable {
		t.Fatalf("hits = %+v, want a durable hit", hits)
	}

	// A secret that passed through the memory layer is redacted in snippets.
	hits, err = ti.ix.Search(ctx, "bearer", nil, 10)
	if err != nil || len(hits) == 0 {
		t.Fatalf("bearer search = (%v, %v)", hits, err)
	}
	if strings.Contains(hits[0].Snippet, "ABCDEFGHIJKLMNOPQRSTUVWX") {
		t.Errorf("snippet leaked the token: %q", hits[0].Snippet)
	}

	// Type scoping.
	hits, err = ti.ix.Search(ctx, "gateway", []string{TypeSession}, 10)
	if err != nil || len(hits) != 1 || hits[0].Type != TypeSession {
		t.Errorf("scoped search = (%+v, %v)", hits, err)
	}
	hits, err = ti.ix.Search(ctx, "gateway", []string{TypeDurable}, 10)
	if err != nil || len(hits) != 0 {
		t.Errorf("mis-scoped search = (%+v, %v), want empty", hits, err)
	}
}

func TestIndexer_HashSkipAndReplace(t *testing.T) {
	ti := newTestIndex(t)
	ctx := context.Background()

	path := ti.write(t, "memory/MEMORY.md", "alpha content here\n")
	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	_, chunksBefore, _ := ti.ix.Stats(ctx)

	// Unchanged content re-sweeps to the same state.
	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	_, chunksAfter, _ := ti.ix.Stats(ctx)
	if chunksBefore != chunksAfter {
		t.Errorf("chunks %d → %d on no-op sweep", chunksBefore, chunksAfter)
	}

	// Changed content replaces the file's chunks.
	if err := os.WriteFile(path, []byte("omega content instead\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ti.ix.IndexFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if hits, _ := ti.ix.Search(ctx, "alpha", nil, 10); len(hits) != 0 {
		t.Errorf("stale chunk still searchable: %+v", hits)
	}
	if hits, _ := ti.ix.Search(ctx, "omega", nil, 10); len(hits) != 1 {
		t.Errorf("new content not searchable: %+v", hits)
	}
}

func TestIndexer_VanishedFilesRemoved(t *testing.T) {
	ti := newTestIndex(t)
	ctx := context.Background()

	path := ti.write(t, "memory/daily/2026-08-23.md", "ephemeral note about zebras\n")
	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if hits, _ := ti.ix.Search(ctx, "zebras", nil, 10); len(hits) != 1 {
		t.Fatalf("seed search = %+v", hits)
	}

	os.Remove(path)
	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if hits, _ := ti.ix.Search(ctx, "zebras", nil, 10); len(hits) != 0 {
		t.Errorf("vanished file still searchable: %+v", hits)
	}
	files, _, _ := ti.ix.Stats(ctx)
	if files != 0 {
		t.Errorf("files = %d after removal sweep, want 0", files)
	}
}

func TestClassify(t *testing.T) {
	ti := newTestIndex(t)
	mem, sess := ti.memoryDir, ti.sessionsDir

	tests := []struct {
		path string
		want string
	}{
		{filepath.Join(mem, "MEMORY.md"), TypeDurable},
		{filepath.Join(mem, "daily", "2026-08-24.md"), TypeDaily},
		{filepath.Join(mem, "decisions", "ADR-2026-08-24-use-wal.md"), TypeDecision},
		{filepath.Join(mem, "paths", "abc123def456", "MEMORY.md"), TypePath},
		{filepath.Join(mem, "paths", "abc123def456", "daily", "2026-08-24.md"), TypePathDaily},
		{filepath.Join(mem, "paths", "abc123def456", "decisions", "ADR-x.md"), TypeDecision},
		{filepath.Join(sess, "s1.jsonl"), TypeSession},
		{filepath.Join(mem, "stray.txt"), TypeOther},
	}
	for _, tt := range tests {
		if got := ti.ix.classify(tt.path); got != tt.want {
			t.Errorf("classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32((len(text)+i+j)%7) + 1
		}
		out[i] = v
	}
	return out, nil
}

func TestEmbedQueue_StoresVectors(t *testing.T) {
	ti := newTestIndex(t)
	ctx := context.Background()

	queue := NewEmbedQueue(ti.ix.db, &fakeEmbedder{dim: 8})
	ti.ix.queue = queue

	ti.write(t, "memory/MEMORY.md", "vector search fodder\n")
	if err := ti.ix.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	batch := queue.takeBatch()
	if len(batch) == 0 {
		t.Fatal("no chunks enqueued by indexing")
	}
	queue.processBatch(ctx, batch)

	query := make([]float32, 8)
	for i := range query {
		query[i] = 1
	}
	hits, err := ti.ix.SearchVector(ctx, query, 5)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != len(batch) {
		t.Fatalf("vector hits = %d, want %d", len(hits), len(batch))
	}
	if hits[0].Score <= 0 || hits[0].Score > 1.0001 {
		t.Errorf("cosine score = %v, want (0, 1]", hits[0].Score)
	}
}
