package console

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
)

func testManager(t *testing.T, max int) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(Options{
		MaxSessions:  max,
		Shell:        "/bin/cat",
		SnapshotPath: filepath.Join(dir, "sessions.json"),
	})
	t.Cleanup(m.DestroyAll)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_SessionLimit(t *testing.T) {
	m := testManager(t, 1)
	ctx := context.Background()

	if _, err := m.CreateShellSession(ctx, CreateOptions{Cwd: t.TempDir()}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.CreateShellSession(ctx, CreateOptions{Cwd: t.TempDir()})
	if errkind.Of(err) != errkind.Conflict {
		t.Errorf("second create kind = %v, want Conflict", errkind.Of(err))
	}
}

func TestManager_RejectsBadCwd(t *testing.T) {
	m := testManager(t, 5)
	_, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: "/no/such/directory"})
	if errkind.Of(err) != errkind.Validation {
		t.Errorf("kind = %v, want Validation", errkind.Of(err))
	}
}

func TestSession_BufferedReplayOnAttach(t *testing.T) {
	m := testManager(t, 5)
	s, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	// No client attached yet: output lands in the replay buffer.
	if err := s.WriteInput([]byte("replay-me\r")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "buffered output", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return bytes.Contains(joinChunks(s.buffer.chunks), []byte("replay-me"))
	})

	var mu sync.Mutex
	var got []byte
	replay := s.Attach("client-1", 80, 24, func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})
	if !bytes.Contains(replay, []byte("replay-me")) {
		t.Errorf("replay = %q, want it to contain %q", replay, "replay-me")
	}

	// Attached now: output streams directly.
	if err := s.WriteInput([]byte("live-now\r")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "live output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(got, []byte("live-now"))
	})
}

func joinChunks(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func TestSession_FanOutSameOrder(t *testing.T) {
	m := testManager(t, 5)
	s, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	streams := map[string][]byte{}
	sink := func(id string) OutputSink {
		return func(data []byte) {
			mu.Lock()
			streams[id] = append(streams[id], data...)
			mu.Unlock()
		}
	}
	s.Attach("a", 80, 24, sink("a"))
	s.Attach("b", 120, 40, sink("b"))

	if err := s.WriteInput([]byte("broadcast\r")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both clients", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(streams["a"], []byte("broadcast")) &&
			bytes.Contains(streams["b"], []byte("broadcast"))
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(streams["a"], streams["b"]) {
		t.Errorf("clients diverged:\n a=%q\n b=%q", streams["a"], streams["b"])
	}
}

func TestSession_PreferredSizeResizesPTY(t *testing.T) {
	m := testManager(t, 5)
	s, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	// No client attached: the preference alone drives the PTY size.
	s.SetPreferredSize(132, 43)
	if cols, rows, err := s.Size(); err != nil || cols != 132 || rows != 43 {
		t.Errorf("Size() = %dx%d (%v), want 132x43", cols, rows, err)
	}

	// With a client attached, the PTY follows the max of the client dims
	// and the preference.
	s.Attach("viewer", 100, 30, func([]byte) {})
	s.SetPreferredSize(150, 50)
	if cols, rows, _ := s.Size(); cols != 150 || rows != 50 {
		t.Errorf("Size() = %dx%d, want 150x50", cols, rows)
	}

	// Clearing the preference falls back to the attached client's dims.
	s.SetPreferredSize(0, 0)
	if cols, rows, _ := s.Size(); cols != 100 || rows != 30 {
		t.Errorf("Size() after clear = %dx%d, want 100x30", cols, rows)
	}
}

func TestManager_SnapshotLifecycle(t *testing.T) {
	m := testManager(t, 5)
	cwd := t.TempDir()
	s, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: cwd, DisplayName: "work"})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(m.opts.SnapshotPath)
	if err != nil {
		t.Fatalf("snapshot after create: %v", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Version != snapshotVersion || len(snap.Entries) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Entries[0].ID != s.ID || snap.Entries[0].Cwd != cwd {
		t.Errorf("entry = %+v", snap.Entries[0])
	}

	if err := m.Destroy(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.opts.SnapshotPath); !os.IsNotExist(err) {
		t.Error("snapshot file still present after last session destroyed")
	}
}

func TestManager_RestoreFromSnapshot(t *testing.T) {
	m := testManager(t, 5)
	cwd := t.TempDir()

	seed := snapshotFile{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Entries: []snapshotEntry{{ID: "old-id", Kind: KindShell, Cwd: cwd, DisplayName: "restored"}},
	}
	data, _ := json.MarshalIndent(seed, "", "  ")
	if err := os.WriteFile(m.opts.SnapshotPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := m.RestoreSessions(context.Background()); err != nil {
		t.Fatalf("RestoreSessions: %v", err)
	}
	if m.PendingRestore() {
		t.Error("pendingRestore still set after restore returned")
	}

	sessions := m.List()
	if len(sessions) != 1 {
		t.Fatalf("restored %d sessions, want 1", len(sessions))
	}
	if sessions[0].DisplayName() != "restored" || sessions[0].Cwd != cwd {
		t.Errorf("restored session = %+v", sessions[0])
	}
	if sessions[0].ID == "old-id" {
		t.Error("restored session reused the stale id")
	}

	if _, err := os.Stat(m.opts.SnapshotPath + ".bak"); err != nil {
		t.Errorf("snapshot .bak missing: %v", err)
	}
}

func TestManager_DestroyAllRemovesSnapshot(t *testing.T) {
	m := testManager(t, 5)
	for i := 0; i < 2; i++ {
		if _, err := m.CreateShellSession(context.Background(), CreateOptions{Cwd: t.TempDir()}); err != nil {
			t.Fatal(err)
		}
	}

	m.DestroyAll()
	if len(m.List()) != 0 {
		t.Error("sessions remain after DestroyAll")
	}
	if _, err := os.Stat(m.opts.SnapshotPath); !os.IsNotExist(err) {
		t.Error("snapshot present after DestroyAll")
	}
}

func TestAgentArgs(t *testing.T) {
	tests := []struct {
		mode ResumeMode
		id   string
		want []string
	}{
		{ResumeFresh, "", nil},
		{ResumeContinue, "", []string{"--continue"}},
		{ResumeContinue, "conv-1", []string{"--resume", "conv-1"}},
		{ResumeByID, "conv-2", []string{"--resume", "conv-2"}},
		{ResumeInteractive, "", []string{"--resume"}},
	}
	for _, tt := range tests {
		if got := agentArgs(tt.mode, tt.id); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("agentArgs(%s, %q) = %v, want %v", tt.mode, tt.id, got, tt.want)
		}
	}
}
