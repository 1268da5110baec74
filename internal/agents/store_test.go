package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
)

func testStoreDir(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "agents"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func seedAgent(t *testing.T, s *Store, id string) *Config {
	t.Helper()
	cfg := &Config{
		ID:        id,
		Name:      "agent " + id,
		Objective: "do the thing",
		CronExpr:  "*/5 * * * *",
		Cwd:       "/tmp",
		CreatedAt: time.Now(),
	}
	if err := s.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestStore_ConfigRoundTrip(t *testing.T) {
	s := testStoreDir(t)
	want := seedAgent(t, s, "a1")

	got, err := s.LoadConfig("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != want.Name || got.CronExpr != want.CronExpr {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := s.LoadConfig("missing"); errkind.Of(err) != errkind.NotFound {
		t.Errorf("missing agent kind = %v, want NotFound", errkind.Of(err))
	}
}

func TestStore_LoadAllFromManifest(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "a1")
	seedAgent(t, s, "a2")

	configs, states, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("loaded %d configs, want 2", len(configs))
	}
	if states["a1"].Status != StatusActive {
		t.Errorf("fresh state status = %q, want active", states["a1"].Status)
	}
}

func TestStore_ManifestBackupFallback(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "a1")

	// Corrupt the primary; the .backup must carry the load.
	if err := os.WriteFile(s.manifestPath(), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	configs, _, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 {
		t.Errorf("loaded %d configs via backup, want 1", len(configs))
	}
}

func TestStore_ScanReconstructsManifest(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "a1")
	seedAgent(t, s, "a2")

	os.Remove(s.manifestPath())
	os.Remove(s.manifestBackupPath())

	configs, _, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("scan recovered %d configs, want 2", len(configs))
	}
	if _, err := os.Stat(s.manifestPath()); err != nil {
		t.Errorf("manifest not rebuilt: %v", err)
	}
}

func TestStore_CorruptConfigSkipped(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "good")
	seedAgent(t, s, "bad")
	if err := os.WriteFile(s.configPath("bad"), []byte("{{{"), 0600); err != nil {
		t.Fatal(err)
	}

	configs, _, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 || configs["good"] == nil {
		t.Errorf("configs = %v, want only the good one", configs)
	}
}

func TestStore_ExecutionHistoryPruned(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "a1")

	for i := 0; i < MaxExecutionHistory+5; i++ {
		stamp := fmt.Sprintf("2026-08-24T00-00-%03d", i)
		files, err := s.NewExecutionFiles("a1", stamp)
		if err != nil {
			t.Fatal(err)
		}
		os.WriteFile(files.RawLog, []byte("{}\n"), 0600)
		exec := &Execution{
			ExecutionID: stamp,
			AgentID:     "a1",
			StartedAt:   time.Now(),
			Result:      ResultSuccess,
		}
		if err := s.SaveExecution(files, exec); err != nil {
			t.Fatal(err)
		}
	}

	execs, err := s.ListExecutions("a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != MaxExecutionHistory {
		t.Errorf("history length = %d, want %d", len(execs), MaxExecutionHistory)
	}
	// Newest first, and the oldest five are the ones gone.
	if execs[0].ExecutionID != "2026-08-24T00-00-104" {
		t.Errorf("newest = %q", execs[0].ExecutionID)
	}
	if execs[len(execs)-1].ExecutionID != "2026-08-24T00-00-005" {
		t.Errorf("oldest kept = %q", execs[len(execs)-1].ExecutionID)
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStoreDir(t)
	seedAgent(t, s, "a1")

	if err := s.Delete("a1"); err != nil {
		t.Fatal(err)
	}
	configs, _, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 0 {
		t.Errorf("configs after delete = %v", configs)
	}
}
