package index

import (
	"encoding/json"
	"strings"
)

const (
	// Soft target per chunk; a 320-byte overlap keeps context across forced
	// splits of long sections.
	chunkTargetBytes  = 1600
	chunkOverlapBytes = 320

	jsonlChunkLines = 20
)

// Chunk is one indexable unit of a file.
type Chunk struct {
	Index    int
	Content  string
	Metadata map[string]any
}

// ChunkMarkdown splits on #/##/### heading boundaries, packing adjacent
// sections up to the size target.
func ChunkMarkdown(content, fileType, sourcePath string) []Chunk {
	sections := splitSections(content)
	var chunks []Chunk

	var buf strings.Builder
	var heading string
	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return
		}
		meta := map[string]any{"type": fileType, "source": sourcePath}
		if heading != "" {
			meta["heading"] = heading
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: text, Metadata: meta})
		buf.Reset()
	}

	for _, sec := range sections {
		if buf.Len() > 0 && buf.Len()+len(sec.body) > chunkTargetBytes {
			flush()
		}
		if buf.Len() == 0 {
			heading = sec.heading
		}

		if len(sec.body) > chunkTargetBytes {
			// Oversized section: emit what we have, then window it.
			flush()
			heading = sec.heading
			for _, window := range splitWithOverlap(sec.body) {
				buf.WriteString(window)
				flush()
				heading = sec.heading
			}
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(sec.body)
	}
	flush()
	return chunks
}

type section struct {
	heading string
	body    string
}

func splitSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var cur []string
	curHeading := ""

	push := func() {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		if body != "" {
			sections = append(sections, section{heading: curHeading, body: body})
		}
		cur = nil
	}

	for _, line := range lines {
		if heading, ok := headingText(line); ok {
			push()
			curHeading = heading
		}
		cur = append(cur, line)
	}
	push()
	return sections
}

func headingText(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, "#")
	level := len(line) - len(trimmed)
	if level < 1 || level > 3 || !strings.HasPrefix(trimmed, " ") {
		return "", false
	}
	return strings.TrimSpace(trimmed), true
}

func splitWithOverlap(body string) []string {
	var out []string
	step := chunkTargetBytes - chunkOverlapBytes
	for start := 0; start < len(body); start += step {
		end := start + chunkTargetBytes
		if end >= len(body) {
			out = append(out, body[start:])
			break
		}
		out = append(out, body[start:end])
	}
	return out
}

// ChunkJSONL groups transcript lines twenty at a time, aggregating the roles
// seen and the first/last timestamps into the metadata.
func ChunkJSONL(content, fileType, sourcePath string) []Chunk {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var chunks []Chunk

	for start := 0; start < len(lines); start += jsonlChunkLines {
		end := start + jsonlChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		group := lines[start:end]

		roles := map[string]bool{}
		var firstTS, lastTS string
		var text strings.Builder
		for _, line := range group {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var entry struct {
				TS   string `json:"ts"`
				Role string `json:"role"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				continue
			}
			if entry.Role != "" {
				roles[entry.Role] = true
			}
			if entry.TS != "" {
				if firstTS == "" {
					firstTS = entry.TS
				}
				lastTS = entry.TS
			}
			if entry.Text != "" {
				text.WriteString(entry.Text)
				text.WriteString("\n")
			}
		}

		body := strings.TrimSpace(text.String())
		if body == "" {
			continue
		}
		roleList := make([]string, 0, len(roles))
		for r := range roles {
			roleList = append(roleList, r)
		}
		meta := map[string]any{"type": fileType, "source": sourcePath, "roles": roleList}
		if firstTS != "" {
			meta["firstTs"] = firstTS
			meta["lastTs"] = lastTS
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: body, Metadata: meta})
	}
	return chunks
}
