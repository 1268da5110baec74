package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// flushCooldown is the per-scope minimum interval between manual flushes.
const flushCooldown = 30 * time.Second

// Flusher performs the manual "flush to daily" operation with per-scope
// cooldown, persisted in state/flush_state.json so the cooldown survives a
// restart.
type Flusher struct {
	mu     sync.Mutex
	store  *Store
	path   string
	last   map[string]time.Time // scope → last flush
	writer *file.Writer
	now    func() time.Time
}

// NewFlusher loads flush state from the store's state dir.
func NewFlusher(store *Store) *Flusher {
	f := &Flusher{
		store:  store,
		path:   filepath.Join(store.Root(), "state", "flush_state.json"),
		last:   make(map[string]time.Time),
		writer: file.NewWriter(),
		now:    time.Now,
	}
	if data, err := os.ReadFile(f.path); err == nil {
		json.Unmarshal(data, &f.last)
	}
	return f
}

// Flush appends a tagged summary line to today's daily for the scope.
// Within the cooldown window it returns RateLimited with the remaining wait.
func (f *Flusher) Flush(scope, content string) error {
	f.mu.Lock()
	if prev, ok := f.last[scope]; ok {
		if rem := flushCooldown - f.now().Sub(prev); rem > 0 {
			f.mu.Unlock()
			return errkind.Limited(fmt.Sprintf("flush cooldown for scope %s", scope), rem)
		}
	}
	f.last[scope] = f.now()
	data, _ := json.MarshalIndent(f.last, "", "  ")
	f.writer.Write(f.path, data, file.OwnerOnly)
	f.mu.Unlock()

	block := fmt.Sprintf("#### flush %s\n\n%s", f.now().Format(time.RFC3339), content)
	return f.store.AppendDaily(scope, block)
}
