package cron

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// mtimePollInterval backs up the fsnotify watcher: editors that replace
// the file (rename-over) can drop the watch on some platforms.
const mtimePollInterval = 5 * time.Second

// watchStore reloads the job store whenever the file changes on disk,
// so jobs added by external tools (or another flowgate process) are
// picked up without a restart.
func (s *Service) watchStore() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to mtime polling", "error", err)
		watcher = nil
	} else {
		// watch the directory: the atomic rename replaces the file node
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			slog.Warn("failed to watch cron store dir", "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(mtimePollInterval)
		defer ticker.Stop()

		var lastMtime time.Time
		if info, err := os.Stat(s.path); err == nil {
			lastMtime = info.ModTime()
		}

		for {
			var events <-chan fsnotify.Event
			var errors <-chan error
			if watcher != nil {
				events = watcher.Events
				errors = watcher.Errors
			}

			select {
			case <-s.ctx.Done():
				return

			case ev, ok := <-events:
				if !ok {
					watcher = nil
					continue
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if info, err := os.Stat(s.path); err == nil {
					lastMtime = info.ModTime()
				}
				s.reload()

			case err, ok := <-errors:
				if ok && err != nil {
					slog.Warn("cron store watcher error", "error", err)
				}

			case <-ticker.C:
				info, err := os.Stat(s.path)
				if err != nil {
					continue
				}
				if info.ModTime().Equal(lastMtime) {
					continue
				}
				lastMtime = info.ModTime()
				s.reload()
			}
		}
	}()
}

// reload re-reads the store and re-arms the timer. Our own saves also
// trigger this; reloading what we just wrote is harmless.
func (s *Service) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	oldCount := len(s.store.Jobs)
	s.store = loadStore(s.path)
	s.recomputeNextRuns()
	if newCount := len(s.store.Jobs); newCount != oldCount {
		slog.Info("cron store reloaded", "jobs", newCount)
	} else {
		slog.Debug("cron store reloaded")
	}
	s.armTimerLocked()
}
