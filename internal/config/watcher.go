package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchedFiles are the home-directory files whose changes are surfaced.
// Everything else in the directory is ignored.
var watchedFiles = map[string]bool{
	"config.yaml": true,
	"SOUL.md":     true,
	"AGENTS.md":   true,
	"policy.yaml": true,
}

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher surfaces edits to the operator-editable files in the home
// directory. It watches the directory rather than the files themselves so
// editors that replace-on-save (write temp, rename over) are still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watchedFiles[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Drop rather than block when the consumer lags; the next
				// edit will come through.
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
					w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
