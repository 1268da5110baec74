package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/memory"
	"github.com/codeck-dev/codeck/internal/store/file"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

// ResumeMode selects how an agent session relates to prior conversations.
type ResumeMode string

const (
	ResumeFresh       ResumeMode = "fresh"
	ResumeContinue    ResumeMode = "continue"
	ResumeByID        ResumeMode = "resumeById"
	ResumeInteractive ResumeMode = "resumeInteractive"
)

// CreateOptions configures a new session.
type CreateOptions struct {
	Cwd            string
	Resume         ResumeMode
	ConversationID string // required for ResumeByID
	DisplayName    string
}

// Options wires the manager into the rest of the daemon.
type Options struct {
	MaxSessions    int
	AgentBinary    string
	Shell          string
	AgentConfigDir string // the agent CLI's own config dir (transcripts live under it)
	SnapshotPath   string
	Memory         *memory.Store
	Bus            bus.Publisher
	// SpawnEnv supplies extra child env (upstream auth) at spawn time.
	SpawnEnv func() map[string]string
}

// Manager owns all live PTY sessions.
type Manager struct {
	opts   Options
	writer *file.Writer

	mu             sync.Mutex
	sessions       map[string]*Session
	pendingRestore bool
	suppressSnaps  bool

	cancelDiscovery context.CancelFunc
	discoveryCtx    context.Context
}

func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 5
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:            opts,
		writer:          file.NewWriter(),
		sessions:        make(map[string]*Session),
		discoveryCtx:    ctx,
		cancelDiscovery: cancel,
	}
}

// CreateAgentSession spawns the agent binary under a PTY in cwd.
func (m *Manager) CreateAgentSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	cwd, err := m.validateCwd(opts.Cwd)
	if err != nil {
		return nil, err
	}
	if opts.Resume == "" {
		opts.Resume = ResumeFresh
	}
	if opts.Resume == ResumeByID && opts.ConversationID == "" {
		return nil, errkind.New(errkind.Validation, "resumeById requires a conversation id")
	}

	if err := m.ensureOnboarding(); err != nil {
		slog.Warn("onboarding config update failed", "error", err)
	}
	if err := m.injectMemoryContext(cwd); err != nil {
		slog.Warn("memory context injection failed", "cwd", cwd, "error", err)
	}

	conversationID := opts.ConversationID
	if opts.Resume == ResumeContinue {
		conversationID = latestConversationID(m.opts.AgentConfigDir, cwd)
	}

	args := agentArgs(opts.Resume, conversationID)
	name := opts.DisplayName
	if name == "" {
		name = filepath.Base(cwd)
	}

	transcriptDir := transcriptDirFor(m.opts.AgentConfigDir, cwd)
	baseline := stampTranscripts(transcriptDir)

	s, err := m.spawn(ctx, KindAgent, cwd, name, m.opts.AgentBinary, args, opts.Resume)
	if err != nil {
		return nil, err
	}

	// Fire-and-forget discovery; conversation ids are never client-supplied.
	if conversationID != "" {
		s.setConversationID(conversationID)
		m.saveSnapshot("conversation-id")
	} else {
		go discoverConversationID(m.discoveryCtx, transcriptDir, opts.Resume != ResumeFresh, baseline, func(id string) {
			s.setConversationID(id)
			m.saveSnapshot("conversation-id")
			slog.Info("conversation id discovered", "sessionId", s.ID, "conversationId", id)
		})
	}
	return s, nil
}

// CreateShellSession spawns an interactive shell under a PTY in cwd.
func (m *Manager) CreateShellSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	cwd, err := m.validateCwd(opts.Cwd)
	if err != nil {
		return nil, err
	}
	name := opts.DisplayName
	if name == "" {
		name = "shell: " + filepath.Base(cwd)
	}
	return m.spawn(ctx, KindShell, cwd, name, m.opts.Shell, nil, "")
}

func (m *Manager) spawn(ctx context.Context, kind Kind, cwd, name, binary string, args []string, resume ResumeMode) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Transient, "create cancelled", err)
	}

	_, span := otel.Tracer("codeck/console").Start(ctx, "console.spawn", trace.WithAttributes(
		attribute.String("session.kind", string(kind)),
		attribute.String("session.cwd", cwd),
	))
	defer span.End()

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, errkind.Newf(errkind.Conflict, "session limit reached (%d)", m.opts.MaxSessions)
	}
	m.mu.Unlock()

	id := uuid.NewString()

	var transcript *memory.Transcript
	if m.opts.Memory != nil {
		t, err := memory.OpenTranscript(m.opts.Memory.SessionsDir(), id, func() {
			slog.Info("context compaction detected", "sessionId", id)
		})
		if err != nil {
			slog.Warn("transcript open failed", "sessionId", id, "error", err)
		} else {
			transcript = t
		}
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = cwd
	extra := map[string]string{"TERM": "xterm-256color"}
	if m.opts.SpawnEnv != nil {
		for k, v := range m.opts.SpawnEnv() {
			extra[k] = v
		}
	}
	cmd.Env = cleanEnv(extra)

	s, err := startSession(id, kind, cwd, name, cmd, transcript, m.onSessionExit)
	if err != nil {
		if transcript != nil {
			transcript.Close()
		}
		return nil, err
	}
	s.ResumeMode = resume

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.saveSnapshot("create")
	slog.Info("session created", "sessionId", id, "kind", kind, "cwd", cwd)
	return s, nil
}

func (m *Manager) onSessionExit(s *Session, exitCode int) {
	slog.Info("session child exited", "sessionId", s.ID, "exitCode", exitCode)
	if m.opts.Bus != nil {
		m.opts.Bus.Broadcast(bus.Event{
			Name:    protocol.EventConsoleExit,
			Payload: protocol.ConsoleExit{SessionID: s.ID, ExitCode: exitCode},
		})
	}
}

func (m *Manager) validateCwd(cwd string) (string, error) {
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return "", errkind.Newf(errkind.Validation, "cwd is not a directory: %s", cwd)
	}
	return cwd, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown session")
	}
	return s, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Rename sets a session's display name (1–200 chars, validated upstream).
func (m *Manager) Rename(id, name string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.setDisplayName(name)
	m.saveSnapshot("rename")
	return nil
}

// Destroy ends transcript capture, schedules summarisation, signals the
// child, removes the session, and re-snapshots.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, "unknown session")
	}

	m.teardown(s)
	m.saveSnapshot("destroy")
	slog.Info("session destroyed", "sessionId", id)
	return nil
}

// DestroyAll tears every session down, writing only the final (empty)
// snapshot so restart does not resurrect half-dead sessions.
func (m *Manager) DestroyAll() {
	m.cancelDiscovery()

	m.mu.Lock()
	m.suppressSnaps = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s)
	}

	m.mu.Lock()
	m.suppressSnaps = false
	m.mu.Unlock()
	m.saveSnapshot("shutdown")
}

func (m *Manager) teardown(s *Session) {
	transcriptPath := s.TranscriptPath()

	s.mu.Lock()
	transcript := s.transcript
	s.transcript = nil
	s.mu.Unlock()
	if transcript != nil {
		transcript.Close()
	}

	s.terminate()

	if m.opts.Memory != nil && transcriptPath != "" {
		go m.opts.Memory.WriteSessionSummary(s.ID, transcriptPath, s.Cwd)
	}
}

// ensureOnboarding marks the agent CLI's first-run prompts as completed so a
// spawned PTY does not hang on an interactive wizard.
func (m *Manager) ensureOnboarding() error {
	if m.opts.AgentConfigDir == "" {
		return nil
	}
	path := filepath.Join(filepath.Dir(m.opts.AgentConfigDir), ".claude.json")

	cfg := make(map[string]any)
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &cfg)
	}
	if done, _ := cfg["hasCompletedOnboarding"].(bool); done {
		return nil
	}
	cfg["hasCompletedOnboarding"] = true

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return m.writer.Write(path, data, 0644)
}

const (
	contextBlockStart = "<!-- codeck:context:start -->"
	contextBlockEnd   = "<!-- codeck:context:end -->"
	contextMaxBytes   = 8 * 1024
)

// injectMemoryContext maintains a managed block in the cwd's agent
// instruction file carrying the merged memory context.
func (m *Manager) injectMemoryContext(cwd string) error {
	if m.opts.Memory == nil {
		return nil
	}
	block, err := m.opts.Memory.ContextBlock(cwd, contextMaxBytes)
	if err != nil {
		return err
	}
	if strings.TrimSpace(block) == "" {
		return nil
	}

	path := filepath.Join(cwd, "CLAUDE.md")
	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}

	managed := contextBlockStart + "\n" + strings.TrimSpace(block) + "\n" + contextBlockEnd
	var next string
	if start := strings.Index(existing, contextBlockStart); start >= 0 {
		end := strings.Index(existing, contextBlockEnd)
		if end < start {
			return fmt.Errorf("malformed context block in %s", path)
		}
		next = existing[:start] + managed + existing[end+len(contextBlockEnd):]
	} else if existing == "" {
		next = managed + "\n"
	} else {
		next = strings.TrimRight(existing, "\n") + "\n\n" + managed + "\n"
	}

	return m.writer.Write(path, []byte(next), 0644)
}

func agentArgs(mode ResumeMode, conversationID string) []string {
	switch mode {
	case ResumeContinue:
		if conversationID != "" {
			return []string{"--resume", conversationID}
		}
		return []string{"--continue"}
	case ResumeByID:
		return []string{"--resume", conversationID}
	case ResumeInteractive:
		return []string{"--resume"}
	default:
		return nil
	}
}
