package credstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of fs events before checking the primary.
const watchDebounce = 500 * time.Millisecond

// Watch observes the credential directory and restores the primary
// credential file from the backup (or the in-memory copy) when it
// disappears, typically because the upstream CLI rewrote its config dir.
// Runs until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	slog.Debug("credential watcher started", "dir", s.dir)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) &&
				!ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("credential watcher error", "error", err)

		case <-fire:
			if s.HasPrimary() {
				continue
			}
			slog.Warn("primary credential file missing, restoring from backup")
			if err := s.RestoreFromBackup(); err != nil {
				slog.Warn("credential restore failed", "error", err)
			}
		}
	}
}
