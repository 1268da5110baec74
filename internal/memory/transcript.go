package memory

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Transcript line roles.
const (
	RoleSystem = "system"
	RoleInput  = "input"
	RoleOutput = "output"
)

// Flush tuning. Buffers drain on newline, timer, or size, whichever first.
const (
	outputFlushInterval = 500 * time.Millisecond
	inputFlushInterval  = 2 * time.Second
	flushSizeThreshold  = 2 * 1024
	maxTranscriptBytes  = 50 * 1024 * 1024
)

// compactionPatterns detect context-compaction events in agent output.
var compactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)compacting conversation`),
	regexp.MustCompile(`(?i)context (?:window )?compact`),
	regexp.MustCompile(`(?i)conversation summar(?:ized|ised)`),
}

// TranscriptLine is one JSONL row of a session transcript.
type TranscriptLine struct {
	TS   time.Time `json:"ts"`
	Role string    `json:"role"`
	Text string    `json:"text"`
}

// Transcript captures one PTY session's traffic into
// sessions/<sessionId>.jsonl. Output and input are buffered separately and
// flushed on newline, time, or size. ANSI sequences are stripped and
// redaction runs last, immediately before persistence.
type Transcript struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	startedAt time.Time
	written   int64
	capped    bool

	outBuf strings.Builder
	inBuf  strings.Builder

	outTimer *time.Timer
	inTimer  *time.Timer

	// onCompaction fires when agent output matches a compaction pattern.
	onCompaction func()

	closed bool
}

// OpenTranscript opens (appends to) the transcript for a session.
func OpenTranscript(sessionsDir, sessionID string, onCompaction func()) (*Transcript, error) {
	path := filepath.Join(sessionsDir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	info, _ := f.Stat()
	t := &Transcript{
		path:         path,
		f:            f,
		startedAt:    time.Now(),
		onCompaction: onCompaction,
	}
	if info != nil {
		t.written = info.Size()
	}
	t.writeLine(RoleSystem, "session started")
	return t, nil
}

// Path returns the transcript file path.
func (t *Transcript) Path() string { return t.path }

// StartedAt returns when capture began.
func (t *Transcript) StartedAt() time.Time { return t.startedAt }

// RecordOutput buffers child output for capture.
func (t *Transcript) RecordOutput(data string) {
	if t.scanCompaction(data) && t.onCompaction != nil {
		t.onCompaction()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.capped {
		return
	}
	t.outBuf.WriteString(data)
	if strings.Contains(data, "\n") || t.outBuf.Len() >= flushSizeThreshold {
		t.flushOutputLocked()
		return
	}
	if t.outTimer == nil {
		t.outTimer = time.AfterFunc(outputFlushInterval, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.flushOutputLocked()
		})
	}
}

// RecordInput buffers operator input for capture.
func (t *Transcript) RecordInput(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.capped {
		return
	}
	t.inBuf.WriteString(data)
	if strings.Contains(data, "\n") || t.inBuf.Len() >= flushSizeThreshold {
		t.flushInputLocked()
		return
	}
	if t.inTimer == nil {
		t.inTimer = time.AfterFunc(inputFlushInterval, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.flushInputLocked()
		})
	}
}

// Close flushes both buffers, appends the end marker, and closes the file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.flushOutputLocked()
	t.flushInputLocked()
	t.writeLineLocked(RoleSystem, "session ended")
	t.closed = true
	return t.f.Close()
}

func (t *Transcript) flushOutputLocked() {
	if t.outTimer != nil {
		t.outTimer.Stop()
		t.outTimer = nil
	}
	if t.outBuf.Len() == 0 {
		return
	}
	text := t.outBuf.String()
	t.outBuf.Reset()
	t.writeLineLocked(RoleOutput, text)
}

func (t *Transcript) flushInputLocked() {
	if t.inTimer != nil {
		t.inTimer.Stop()
		t.inTimer = nil
	}
	if t.inBuf.Len() == 0 {
		return
	}
	text := t.inBuf.String()
	t.inBuf.Reset()
	t.writeLineLocked(RoleInput, text)
}

func (t *Transcript) writeLine(role, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLineLocked(role, text)
}

func (t *Transcript) writeLineLocked(role, text string) {
	if t.capped || t.f == nil {
		return
	}

	text = Sanitize(StripANSI(text))
	line := TranscriptLine{TS: time.Now().UTC(), Role: role, Text: text}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')

	if t.written+int64(len(data)) > maxTranscriptBytes {
		marker, _ := json.Marshal(TranscriptLine{
			TS: time.Now().UTC(), Role: RoleSystem,
			Text: "transcript size limit reached; further capture suppressed",
		})
		t.f.Write(append(marker, '\n'))
		t.capped = true
		slog.Warn("transcript capped", "path", t.path, "bytes", t.written)
		return
	}

	n, err := t.f.Write(data)
	if err != nil {
		slog.Warn("transcript write failed", "path", t.path, "error", err)
		return
	}
	t.written += int64(n)
}

func (t *Transcript) scanCompaction(data string) bool {
	for _, pat := range compactionPatterns {
		if pat.MatchString(data) {
			return true
		}
	}
	return false
}
