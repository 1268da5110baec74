package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

const (
	manifestName = "manifest.json"
	configName   = "config.json"
	stateName    = "state.json"
)

// Store persists agent configs, states, and execution history under
// agents/<id>/, with a manifest (plus .backup) listing known ids.
type Store struct {
	dir    string
	writer *file.Writer
	mu     sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, writer: file.NewWriter()}, nil
}

func (s *Store) agentDir(id string) string     { return filepath.Join(s.dir, id) }
func (s *Store) execDir(id string) string      { return filepath.Join(s.agentDir(id), "executions") }
func (s *Store) manifestPath() string          { return filepath.Join(s.dir, manifestName) }
func (s *Store) manifestBackupPath() string    { return s.manifestPath() + ".backup" }
func (s *Store) configPath(id string) string   { return filepath.Join(s.agentDir(id), configName) }
func (s *Store) statePath(id string) string    { return filepath.Join(s.agentDir(id), stateName) }

type manifest struct {
	Agents []string `json:"agents"`
}

// SaveConfig writes an agent's config and registers it in the manifest.
func (s *Store) SaveConfig(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writer.Write(s.configPath(cfg.ID), data, file.OwnerOnly); err != nil {
		return err
	}
	return s.saveManifestLocked()
}

func (s *Store) LoadConfig(id string) (*Config, error) {
	data, err := os.ReadFile(s.configPath(id))
	if os.IsNotExist(err) {
		return nil, errkind.New(errkind.NotFound, "unknown agent")
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent config %s: %w", id, err)
	}
	return &cfg, nil
}

func (s *Store) SaveState(id string, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return s.writer.Write(s.statePath(id), data, file.OwnerOnly)
}

func (s *Store) LoadState(id string) (*State, error) {
	data, err := os.ReadFile(s.statePath(id))
	if os.IsNotExist(err) {
		return &State{Status: StatusActive}, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("agent state %s: %w", id, err)
	}
	return &st, nil
}

// Delete removes the agent's directory and de-registers it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.agentDir(id)); err != nil {
		return err
	}
	return s.saveManifestLocked()
}

// LoadAll reads every known agent. The manifest is tried first, then its
// backup; with both gone or corrupt, the directory is scanned and the
// manifest reconstructed. Individually corrupt configs are skipped with a
// warning rather than failing startup.
func (s *Store) LoadAll() (map[string]*Config, map[string]*State, error) {
	ids, rebuilt := s.loadManifest()

	configs := make(map[string]*Config)
	states := make(map[string]*State)
	for _, id := range ids {
		cfg, err := s.LoadConfig(id)
		if err != nil {
			slog.Warn("agent config unreadable, skipping", "agentId", id, "error", err)
			continue
		}
		st, err := s.LoadState(id)
		if err != nil {
			slog.Warn("agent state unreadable, resetting", "agentId", id, "error", err)
			st = &State{Status: StatusActive}
		}
		configs[id] = cfg
		states[id] = st
	}

	if rebuilt {
		s.mu.Lock()
		if err := s.saveManifestLocked(); err != nil {
			slog.Warn("manifest rebuild write failed", "error", err)
		}
		s.mu.Unlock()
	}
	return configs, states, nil
}

func (s *Store) loadManifest() (ids []string, rebuilt bool) {
	for _, path := range []string{s.manifestPath(), s.manifestBackupPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("manifest corrupt", "path", path, "error", err)
			continue
		}
		return m.Agents, false
	}
	return s.scanAgentDirs(), true
}

// scanAgentDirs reconstructs the id list from directories holding a config.
func (s *Store) scanAgentDirs() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.configPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) saveManifestLocked() error {
	m := manifest{Agents: s.scanAgentDirs()}
	if m.Agents == nil {
		m.Agents = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writer.Write(s.manifestPath(), data, file.OwnerOnly); err != nil {
		return err
	}
	return s.writer.Write(s.manifestBackupPath(), data, file.OwnerOnly)
}

// ExecutionFiles are the per-run artefact paths for one execution.
type ExecutionFiles struct {
	RawLog    string // streaming JSONL, as produced
	TextLog   string // extracted text, sanitised
	Result    string // the Execution record
	Timestamp string
}

// NewExecutionFiles allocates artefact paths keyed by a sortable timestamp.
func (s *Store) NewExecutionFiles(agentID, timestamp string) (ExecutionFiles, error) {
	dir := s.execDir(agentID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return ExecutionFiles{}, err
	}
	return ExecutionFiles{
		RawLog:    filepath.Join(dir, timestamp+".jsonl"),
		TextLog:   filepath.Join(dir, timestamp+".log"),
		Result:    filepath.Join(dir, timestamp+".result.json"),
		Timestamp: timestamp,
	}, nil
}

// SaveExecution persists the result record and prunes history past the
// retention bound, oldest first.
func (s *Store) SaveExecution(files ExecutionFiles, exec *Execution) error {
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writer.Write(files.Result, data, file.OwnerOnly); err != nil {
		return err
	}
	s.pruneExecutions(exec.AgentID)
	return nil
}

// ListExecutions returns up to limit most-recent execution records.
func (s *Store) ListExecutions(agentID string, limit int) ([]*Execution, error) {
	entries, err := os.ReadDir(s.execDir(agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".result.json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	var out []*Execution
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.execDir(agentID), name))
		if err != nil {
			continue
		}
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			slog.Warn("execution record corrupt, skipping", "agentId", agentID, "file", name)
			continue
		}
		out = append(out, &exec)
	}
	return out, nil
}

func (s *Store) pruneExecutions(agentID string) {
	entries, err := os.ReadDir(s.execDir(agentID))
	if err != nil {
		return
	}
	var stamps []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".result.json"); ok {
			stamps = append(stamps, name)
		}
	}
	if len(stamps) <= MaxExecutionHistory {
		return
	}
	sort.Strings(stamps)
	for _, stamp := range stamps[:len(stamps)-MaxExecutionHistory] {
		for _, suffix := range []string{".result.json", ".jsonl", ".log"} {
			os.Remove(filepath.Join(s.execDir(agentID), stamp+suffix))
		}
	}
}
