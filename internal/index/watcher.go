package index

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchQuiet is how long the change set must be quiet before re-indexing.
const watchQuiet = 2 * time.Second

// Watch mirrors filesystem changes under memory/ and sessions/ into the
// index. Events collect into a pending set; after 2 s without further
// events the set drains in one pass. Missing files at drain time are
// deletes. Runs until ctx is cancelled.
func (ix *Indexer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range []string{ix.memoryDir, ix.sessionsDir} {
		if err := addRecursive(watcher, root); err != nil {
			return err
		}
	}
	slog.Debug("index watcher started", "memory", ix.memoryDir, "sessions", ix.sessionsDir)

	pending := make(map[string]bool)
	var quiet *time.Timer
	drain := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if quiet != nil {
				quiet.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New directories need their own watch.
				if err := addRecursive(watcher, ev.Name); err == nil {
					continue
				}
			}
			if !indexable(ev.Name) {
				continue
			}
			pending[ev.Name] = true
			if quiet != nil {
				quiet.Stop()
			}
			quiet = time.AfterFunc(watchQuiet, func() {
				select {
				case drain <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("index watcher error", "error", err)

		case <-drain:
			for path := range pending {
				if err := ix.IndexFile(ctx, path); err != nil {
					slog.Warn("reindex failed", "path", path, "error", err)
				}
			}
			clear(pending)
			ix.maybeOptimize(ctx)
		}
	}
}

// addRecursive watches dir and every subdirectory. Non-directories return an
// error so callers can tell the two cases apart.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if path == dir {
				return fs.ErrInvalid
			}
			return nil
		}
		return watcher.Add(path)
	})
}

func indexable(path string) bool {
	return strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".jsonl")
}
