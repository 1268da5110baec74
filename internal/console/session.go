// Package console owns interactive PTY sessions: spawn, multi-client
// fan-out, buffered replay while detached, and crash-safe snapshots.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/codeck-dev/codeck/internal/memory"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

// Kind distinguishes agent sessions from plain shells.
type Kind string

const (
	KindAgent Kind = "agent"
	KindShell Kind = "shell"
)

// destroyGrace is how long a child gets after SIGTERM before SIGKILL.
const destroyGrace = 2 * time.Second

// Default geometry until the first client attaches with real dimensions.
const (
	initialCols = 80
	initialRows = 24
)

// OutputSink receives ordered output for one attached client.
type OutputSink func(data []byte)

type attachment struct {
	sink OutputSink
	cols uint16
	rows uint16
}

// Session is one live PTY child.
type Session struct {
	ID          string
	Kind        Kind
	Cwd         string
	CreatedAt   time.Time
	ResumeMode  ResumeMode

	mu             sync.Mutex
	displayName    string
	conversationID string
	ptmx           *os.File
	cmd            *exec.Cmd
	buffer         *ring
	clients        map[string]*attachment
	prefCols       uint16
	prefRows       uint16
	exited         bool
	exitCode       int
	onExit         func(s *Session, exitCode int)
	transcript     *memory.Transcript
}

func startSession(id string, kind Kind, cwd, displayName string, cmd *exec.Cmd, transcript *memory.Transcript, onExit func(*Session, int)) (*Session, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: initialCols, Rows: initialRows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		ID:          id,
		Kind:        kind,
		Cwd:         cwd,
		CreatedAt:   time.Now(),
		displayName: displayName,
		ptmx:        ptmx,
		cmd:         cmd,
		buffer:      newRing(),
		clients:     make(map[string]*attachment),
		onExit:      onExit,
		transcript:  transcript,
	}
	go s.readLoop()
	return s, nil
}

// readLoop is the single reader of the PTY master for the whole session
// lifetime, so child exit is observed even with no client attached. Each
// chunk is broadcast to attached clients, or buffered while detached.
func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			break
		}
	}

	err := s.cmd.Wait()
	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	onExit := s.onExit
	s.mu.Unlock()

	if onExit != nil {
		onExit(s, code)
	}
}

func (s *Session) deliver(chunk []byte) {
	s.mu.Lock()
	if s.transcript != nil {
		s.transcript.RecordOutput(string(chunk))
	}
	if len(s.clients) == 0 {
		s.buffer.append(chunk)
		s.mu.Unlock()
		return
	}
	sinks := make([]OutputSink, 0, len(s.clients))
	for _, at := range s.clients {
		sinks = append(sinks, at.sink)
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(out)
	}
}

// Attach registers a client and returns any buffered output accumulated while
// the session was detached. The buffer is cleared on return.
func (s *Session) Attach(clientID string, cols, rows int, sink OutputSink) []byte {
	cols, rows = normalizeDims(cols, rows)

	s.mu.Lock()
	s.clients[clientID] = &attachment{sink: sink, cols: uint16(cols), rows: uint16(rows)}
	replay := s.buffer.drain()
	s.resizeLocked()
	s.mu.Unlock()
	return replay
}

// Detach removes a client; output buffers again once the last client leaves.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	if len(s.clients) > 0 {
		s.resizeLocked()
	}
	s.mu.Unlock()
}

// Resize updates one client's view; the PTY gets the max over all clients so
// a small screen cannot shrink a large one.
func (s *Session) Resize(clientID string, cols, rows int) {
	cols, rows = normalizeDims(cols, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.clients[clientID]
	if !ok {
		return
	}
	at.cols, at.rows = uint16(cols), uint16(rows)
	s.resizeLocked()
}

// SetPreferredSize records a size preference not tied to any attached
// client, so the HTTP resize endpoint takes effect even before a client
// attaches. The preference participates in the max-dims computation; zero
// dims clear it.
func (s *Session) SetPreferredSize(cols, rows int) {
	cols, rows = normalizeDims(cols, rows)
	s.mu.Lock()
	s.prefCols, s.prefRows = uint16(cols), uint16(rows)
	s.resizeLocked()
	s.mu.Unlock()
}

// Size reports the PTY's current geometry.
func (s *Session) Size() (cols, rows int, err error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	ws, err := pty.GetsizeFull(ptmx)
	if err != nil {
		return 0, 0, err
	}
	return int(ws.Cols), int(ws.Rows), nil
}

func (s *Session) resizeLocked() {
	cols, rows := s.prefCols, s.prefRows
	for _, at := range s.clients {
		if at.cols > cols {
			cols = at.cols
		}
		if at.rows > rows {
			rows = at.rows
		}
	}
	if cols == 0 || rows == 0 {
		return
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		slog.Debug("pty resize failed", "sessionId", s.ID, "error", err)
	}
}

// normalizeDims treats absent (zero) dimensions as no preference, so an
// attach without geometry never shrinks the PTY.
func normalizeDims(cols, rows int) (int, int) {
	if cols <= 0 && rows <= 0 {
		return 0, 0
	}
	return clampDims(cols, rows)
}

func clampDims(cols, rows int) (int, int) {
	if cols < protocol.MinCols {
		cols = protocol.MinCols
	}
	if cols > protocol.MaxCols {
		cols = protocol.MaxCols
	}
	if rows < protocol.MinRows {
		rows = protocol.MinRows
	}
	if rows > protocol.MaxRows {
		rows = protocol.MaxRows
	}
	return cols, rows
}

// WriteInput forwards client keystrokes to the child.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	exited := s.exited
	ptmx := s.ptmx
	if s.transcript != nil {
		s.transcript.RecordInput(string(data))
	}
	s.mu.Unlock()

	if exited {
		return io.ErrClosedPipe
	}
	_, err := ptmx.Write(data)
	return err
}

// DisplayName returns the session's current name.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func (s *Session) setDisplayName(name string) {
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()
}

// ConversationID returns the discovered conversation id, if any.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Exited reports whether the child has died, with its exit code.
func (s *Session) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}

// TranscriptPath is the session's JSONL capture file ("" when capture is off).
func (s *Session) TranscriptPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return ""
	}
	return s.transcript.Path()
}

// terminate signals the child: SIGTERM, then SIGKILL after the grace window.
// Blocks until the read loop has observed the exit or the escalation fired.
func (s *Session) terminate() {
	s.mu.Lock()
	exited := s.exited
	proc := s.cmd.Process
	s.mu.Unlock()
	if exited || proc == nil {
		s.closePTY()
		return
	}

	proc.Signal(syscall.SIGTERM)

	deadline := time.After(destroyGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			proc.Kill()
			s.closePTY()
			return
		case <-tick.C:
			if done, _ := s.Exited(); done {
				s.closePTY()
				return
			}
		}
	}
}

func (s *Session) closePTY() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx != nil {
		s.ptmx.Close()
	}
}
