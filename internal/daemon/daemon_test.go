package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeck-dev/codeck/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.Auth.CredentialDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Console.Shell = "/bin/cat"
	return cfg
}

func TestRun_RestoresSnapshotOnBoot(t *testing.T) {
	cfg := testConfig(t)
	cwd := t.TempDir()

	// Snapshot left behind by a crashed run.
	stateDir := filepath.Join(cfg.StateDir(), "state")
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		t.Fatal(err)
	}
	snapPath := filepath.Join(stateDir, "sessions.json")
	snap := map[string]any{
		"version": 1,
		"savedAt": time.Now(),
		"entries": []map[string]any{
			{"id": "stale-id", "kind": "shell", "cwd": cwd, "displayName": "restored"},
		},
	}
	data, _ := json.Marshal(snap)
	if err := os.WriteFile(snapPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Boot must consume the snapshot: the session comes back and the file
	// rotates to .bak.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(snapPath + ".bak"); err == nil && len(d.console.List()) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := os.Stat(snapPath + ".bak"); err != nil {
		t.Errorf("snapshot not rotated to .bak: %v", err)
	}
	sessions := d.console.List()
	if len(sessions) != 1 {
		t.Fatalf("restored %d sessions, want 1", len(sessions))
	}
	if sessions[0].DisplayName() != "restored" || sessions[0].Cwd != cwd {
		t.Errorf("restored session = name %q cwd %q, want %q %q",
			sessions[0].DisplayName(), sessions[0].Cwd, "restored", cwd)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
