package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18900 {
		t.Errorf("port = %d, want 18900", cfg.Gateway.Port)
	}
	if cfg.Console.MaxSessions != 5 {
		t.Errorf("max sessions = %d, want 5", cfg.Console.MaxSessions)
	}
	if cfg.SessionTTL() != 7*24*time.Hour {
		t.Errorf("session ttl = %v, want 168h", cfg.SessionTTL())
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
	// operator overrides
	workspace: "/srv/work",
	gateway: { port: 9000 },
	agents: { kill_grace_seconds: 120 },
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/work" {
		t.Errorf("workspace = %q, want /srv/work", cfg.Workspace)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	// Grace clamps to 60s.
	if cfg.KillGrace() != 60*time.Second {
		t.Errorf("kill grace = %v, want 60s", cfg.KillGrace())
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway:{port:9000}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CODECK_PORT", "9100")
	t.Setenv("CODECK_MAX_SESSIONS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.Gateway.Port)
	}
	if cfg.Console.MaxSessions != 3 {
		t.Errorf("max sessions = %d, want 3", cfg.Console.MaxSessions)
	}
}

func TestKillGraceClamp(t *testing.T) {
	tests := []struct {
		sec  int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{5, 5 * time.Second},
		{30, 30 * time.Second},
		{600, 60 * time.Second},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Agents.KillGraceSeconds = tt.sec
		if got := cfg.KillGrace(); got != tt.want {
			t.Errorf("KillGrace(%d) = %v, want %v", tt.sec, got, tt.want)
		}
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.InternalSecret = "hunter2hunter2"
	cfg.Index.EmbeddingAPIKey = "sk-xyz"

	masked := cfg.MaskedCopy()
	if masked.Gateway.InternalSecret != "********" {
		t.Errorf("internal secret = %q, want masked", masked.Gateway.InternalSecret)
	}
	if masked.Index.EmbeddingAPIKey != "********" {
		t.Errorf("embedding key = %q, want masked", masked.Index.EmbeddingAPIKey)
	}
	if masked.Gateway.Port != cfg.Gateway.Port {
		t.Errorf("non-secret field changed in copy")
	}
	if cfg.Gateway.InternalSecret != "hunter2hunter2" {
		t.Errorf("original mutated by MaskedCopy")
	}

	empty := Default().MaskedCopy()
	if empty.Gateway.InternalSecret != "" {
		t.Errorf("empty secret should stay empty, got %q", empty.Gateway.InternalSecret)
	}
}
