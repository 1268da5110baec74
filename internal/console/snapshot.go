package console

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/codeck-dev/codeck/internal/store/file"
)

const snapshotVersion = 1

type snapshotEntry struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	Cwd            string `json:"cwd"`
	DisplayName    string `json:"displayName"`
	Reason         string `json:"reason"`
	ConversationID string `json:"conversationId,omitempty"`
}

type snapshotFile struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Entries []snapshotEntry `json:"entries"`
}

// saveSnapshot persists live sessions after every lifecycle event. Zero
// sessions removes the file so the next boot does not attempt a phantom
// restore.
func (m *Manager) saveSnapshot(reason string) {
	if m.opts.SnapshotPath == "" {
		return
	}

	m.mu.Lock()
	if m.suppressSnaps {
		m.mu.Unlock()
		return
	}
	entries := make([]snapshotEntry, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, snapshotEntry{
			ID:             s.ID,
			Kind:           s.Kind,
			Cwd:            s.Cwd,
			DisplayName:    s.DisplayName(),
			Reason:         reason,
			ConversationID: s.ConversationID(),
		})
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		if err := os.Remove(m.opts.SnapshotPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("snapshot remove failed", "error", err)
		}
		return
	}

	data, err := json.MarshalIndent(snapshotFile{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Entries: entries,
	}, "", "  ")
	if err != nil {
		return
	}
	if err := m.writer.Write(m.opts.SnapshotPath, data, file.OwnerOnly); err != nil {
		slog.Warn("snapshot write failed", "error", err)
	}
}

// PendingRestore is true strictly while RestoreSessions is re-creating
// sessions from a previous run's snapshot.
func (m *Manager) PendingRestore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRestore
}

// RestoreSessions re-creates sessions from the snapshot left by a previous
// run. Each agent entry resumes by stored conversation id when present,
// falls back to the cwd's most recent genuine transcript, and starts fresh
// otherwise. The consumed snapshot is renamed to .bak so a crash during
// restore cannot loop.
func (m *Manager) RestoreSessions(ctx context.Context) error {
	if m.opts.SnapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.opts.SnapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// Rotate before re-creating anything: a crash mid-restore must not loop,
	// and the sessions created below write their own fresh snapshot.
	if err := os.Rename(m.opts.SnapshotPath, m.opts.SnapshotPath+".bak"); err != nil {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("session snapshot corrupt, skipping restore", "error", err)
		return nil
	}

	m.mu.Lock()
	m.pendingRestore = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pendingRestore = false
		m.mu.Unlock()
	}()

	for _, e := range snap.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := CreateOptions{Cwd: e.Cwd, DisplayName: e.DisplayName}

		var createErr error
		switch e.Kind {
		case KindShell:
			_, createErr = m.CreateShellSession(ctx, opts)
		default:
			switch {
			case e.ConversationID != "":
				opts.Resume = ResumeByID
				opts.ConversationID = e.ConversationID
			case latestConversationID(m.opts.AgentConfigDir, e.Cwd) != "":
				opts.Resume = ResumeContinue
			default:
				opts.Resume = ResumeFresh
			}
			_, createErr = m.CreateAgentSession(ctx, opts)
		}
		if createErr != nil {
			slog.Warn("session restore failed", "sessionId", e.ID, "cwd", e.Cwd, "error", createErr)
		}
	}

	slog.Info("session restore complete", "restored", len(snap.Entries))
	return nil
}
