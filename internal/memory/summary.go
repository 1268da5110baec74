package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
)

// minSummarySessionDur skips summarisation for throwaway sessions.
const minSummarySessionDur = 30 * time.Second

const (
	maxSummaryInputs   = 10
	maxSummaryInputLen = 200
)

var (
	filePathPattern = regexp.MustCompile(`(?:^|[\s"'(])((?:/|\./|[A-Za-z0-9_-]+/)[A-Za-z0-9._/-]+\.[A-Za-z0-9]{1,8})`)
	errorPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\berror\b`),
		regexp.MustCompile(`(?i)\bpanic:`),
		regexp.MustCompile(`(?i)\btraceback\b`),
		regexp.MustCompile(`(?i)\bfailed\b`),
	}
)

// SessionSummary is the parsed digest of one transcript. No model calls;
// plain parsing only.
type SessionSummary struct {
	SessionID   string
	Duration    time.Duration
	UserInputs  []string
	FilesSeen   []string
	ErrorCount  int
	Compactions int
}

// Summarize parses a transcript JSONL file into a summary. Returns nil when
// the session was shorter than the minimum duration.
func Summarize(sessionID, transcriptPath string) (*SessionSummary, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum := &SessionSummary{SessionID: sessionID}
	var first, last time.Time
	seenFiles := make(map[string]struct{})

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var line TranscriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue // tolerate a torn tail line
		}
		if first.IsZero() {
			first = line.TS
		}
		last = line.TS

		switch line.Role {
		case RoleInput:
			text := strings.TrimSpace(line.Text)
			if text != "" && len(sum.UserInputs) < maxSummaryInputs {
				if len(text) > maxSummaryInputLen {
					text = text[:maxSummaryInputLen] + "…"
				}
				sum.UserInputs = append(sum.UserInputs, text)
			}
		case RoleOutput:
			for _, m := range filePathPattern.FindAllStringSubmatch(line.Text, -1) {
				seenFiles[m[1]] = struct{}{}
			}
			for _, pat := range errorPatterns {
				sum.ErrorCount += len(pat.FindAllString(line.Text, -1))
			}
			if strings.Contains(line.Text, "compact") {
				for _, pat := range compactionPatterns {
					sum.Compactions += len(pat.FindAllString(line.Text, -1))
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sum.Duration = last.Sub(first)
	if sum.Duration < minSummarySessionDur {
		return nil, nil
	}

	for p := range seenFiles {
		sum.FilesSeen = append(sum.FilesSeen, p)
		if len(sum.FilesSeen) >= 20 {
			break
		}
	}
	return sum, nil
}

// Markdown renders the summary as a daily-note block.
func (s *SessionSummary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Session %s (%s)\n\n", s.SessionID, s.Duration.Round(time.Second))
	if len(s.UserInputs) > 0 {
		b.WriteString("Inputs:\n")
		for _, in := range s.UserInputs {
			fmt.Fprintf(&b, "- %s\n", in)
		}
	}
	if len(s.FilesSeen) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(s.FilesSeen, ", "))
	}
	if s.ErrorCount > 0 {
		fmt.Fprintf(&b, "Errors seen: %d\n", s.ErrorCount)
	}
	if s.Compactions > 0 {
		fmt.Fprintf(&b, "Context compactions: %d\n", s.Compactions)
	}
	return b.String()
}

// WriteSessionSummary summarises the transcript and appends the digest to
// today's daily note both globally and at the session's path scope. Best
// effort; failures are logged, never fatal to session teardown.
func (s *Store) WriteSessionSummary(sessionID, transcriptPath, cwd string) {
	sum, err := Summarize(sessionID, transcriptPath)
	if err != nil {
		slog.Warn("session summary failed", "session", sessionID, "error", err)
		return
	}
	if sum == nil {
		slog.Debug("session too short to summarise", "session", sessionID)
		return
	}

	md := sum.Markdown()
	if err := s.AppendDaily(GlobalScope, md); err != nil {
		slog.Warn("append global daily failed", "error", err)
	}
	if scope, err := s.ResolveScope(cwd); err == nil {
		if err := s.AppendDaily(scope, md); err != nil {
			slog.Warn("append path daily failed", "scope", scope, "error", err)
		}
	}
}
