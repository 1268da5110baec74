package console

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Conversation-id discovery never reads the filesystem on the WS input path;
// a background poller watches the agent's per-cwd transcript directory and
// reports the id once a genuine conversation entry exists.
const (
	discoverPollInterval = 500 * time.Millisecond
	discoverTimeout      = 15 * time.Second
)

type fileStamp struct {
	modTime time.Time
	size    int64
}

// transcriptDirFor maps a working directory to the agent CLI's per-project
// transcript directory (every non-alphanumeric rune becomes '-').
func transcriptDirFor(agentConfigDir, cwd string) string {
	munged := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, cwd)
	return filepath.Join(agentConfigDir, "projects", munged)
}

// stampTranscripts records the directory's current JSONL files, taken just
// before spawn so discovery can tell new activity from old.
func stampTranscripts(dir string) map[string]fileStamp {
	out := make(map[string]fileStamp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	return out
}

// discoverConversationID polls until it can attribute a transcript file to
// the freshly spawned session, then calls onFound with the conversation id.
// Fresh mode waits for a file absent from the baseline; resume mode waits for
// a baseline file to grow (mtime compared with >= so coarse-granularity
// filesystems still register).
func discoverConversationID(ctx context.Context, dir string, resume bool, baseline map[string]fileStamp, onFound func(id string)) {
	deadline := time.After(discoverTimeout)
	tick := time.NewTicker(discoverPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Debug("conversation id not discovered", "dir", dir)
			return
		case <-tick.C:
			if id := scanForConversation(dir, resume, baseline); id != "" {
				onFound(id)
				return
			}
		}
	}
}

func scanForConversation(dir string, resume bool, baseline map[string]fileStamp) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		prior, known := baseline[e.Name()]
		if resume {
			if !known {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(prior.modTime) || info.Size() <= prior.size {
				continue
			}
		} else if known {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !hasConversationEntry(path) {
			continue
		}
		return strings.TrimSuffix(e.Name(), ".jsonl")
	}
	return ""
}

// hasConversationEntry reports whether the transcript holds at least one real
// user or assistant turn, not just session metadata.
func hasConversationEntry(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var entry struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type == "user" || entry.Type == "assistant" {
			return true
		}
	}
	return false
}

// latestConversationID finds the most recently modified genuine transcript in
// the cwd's transcript directory; used by `continue` resume and by restore.
func latestConversationID(agentConfigDir, cwd string) string {
	dir := transcriptDirFor(agentConfigDir, cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	for _, c := range candidates {
		if hasConversationEntry(filepath.Join(dir, c.name)) {
			return strings.TrimSuffix(c.name, ".jsonl")
		}
	}
	return ""
}
