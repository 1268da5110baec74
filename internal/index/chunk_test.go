package index

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkMarkdown_SplitsOnHeadings(t *testing.T) {
	filler := strings.Repeat("filler text ", 75) // ~900 bytes per section
	doc := strings.Join([]string{
		"# One", filler,
		"## Two", filler,
		"### Three", filler,
	}, "\n")

	chunks := ChunkMarkdown(doc, "durable", "memory/MEMORY.md")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (two sections never fit the target)", len(chunks))
	}
	wantHeadings := []string{"One", "Two", "Three"}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Metadata["type"] != "durable" || c.Metadata["source"] != "memory/MEMORY.md" {
			t.Errorf("chunk %d metadata = %v", i, c.Metadata)
		}
		if c.Metadata["heading"] != wantHeadings[i] {
			t.Errorf("chunk %d heading = %v, want %q", i, c.Metadata["heading"], wantHeadings[i])
		}
	}
}

func TestChunkMarkdown_OversizedSectionOverlaps(t *testing.T) {
	body := strings.Repeat("abcdefghij", 500) // 5000 bytes, one section
	chunks := ChunkMarkdown("# Big\n"+body, "daily", "d.md")

	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want >= 3 for a 5000-byte section", len(chunks))
	}
	for i := 0; i < len(chunks)-1; i++ {
		a, b := chunks[i].Content, chunks[i+1].Content
		tail := a[len(a)-chunkOverlapBytes:]
		if !strings.HasPrefix(b, tail) {
			t.Errorf("chunk %d does not start with chunk %d's overlap tail", i+1, i)
		}
	}
}

func TestChunkMarkdown_IgnoresDeepHeadings(t *testing.T) {
	doc := "# Top\ntext\n#### NotABoundary\nmore"
	chunks := ChunkMarkdown(doc, "durable", "m.md")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1 (#### is not a boundary)", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "NotABoundary") {
		t.Error("deep heading text lost")
	}
}

func TestChunkJSONL_GroupsTwentyLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 45; i++ {
		role := "output"
		if i%2 == 0 {
			role = "input"
		}
		fmt.Fprintf(&sb, `{"ts":"2026-08-24T10:00:%02dZ","role":%q,"text":"line %d"}`+"\n", i, role, i)
	}

	chunks := ChunkJSONL(sb.String(), "session", "sessions/s1.jsonl")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (45 lines / 20)", len(chunks))
	}

	first := chunks[0]
	if first.Metadata["firstTs"] != "2026-08-24T10:00:00Z" || first.Metadata["lastTs"] != "2026-08-24T10:00:19Z" {
		t.Errorf("timestamps = %v / %v", first.Metadata["firstTs"], first.Metadata["lastTs"])
	}
	roles, _ := first.Metadata["roles"].([]string)
	if len(roles) != 2 {
		t.Errorf("roles = %v, want input and output", roles)
	}
	if !strings.Contains(chunks[2].Content, "line 44") {
		t.Error("final chunk missing the tail lines")
	}
}

func TestChunkJSONL_SkipsTornLines(t *testing.T) {
	content := `{"ts":"t1","role":"input","text":"good"}` + "\n" + `{"role":"out` + "\n"
	chunks := ChunkJSONL(content, "session", "s.jsonl")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Content != "good" {
		t.Errorf("content = %q", chunks[0].Content)
	}
}
