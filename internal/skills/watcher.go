package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces a burst of file events (an editor save, a git
// checkout) into one reload signal.
const debounceWindow = 150 * time.Millisecond

// Watcher signals when any SKILL.md-backed skill source changes. It watches
// the root dirs, each skill dir under them, and the well-known subdirs a
// skill may carry (scripts, references, assets).
type Watcher struct {
	dirs   []string
	logger *slog.Logger
	events chan string
}

func NewWatcher(dirs []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			kept = append(kept, d)
		}
	}
	return &Watcher{
		dirs:   kept,
		logger: logger,
		events: make(chan string, 16),
	}
}

// Events fires once per debounced change burst; closed when the watcher
// stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	for _, dir := range w.dirs {
		w.watchSkillTree(fsw, dir)
	}

	go w.run(ctx, fsw)
	return nil
}

// watchSkillTree registers a root dir, its skill dirs, and their known
// subdirs. Missing roots are fine; they may be created later by an install.
func (w *Watcher) watchSkillTree(fsw *fsnotify.Watcher, dir string) {
	if strings.TrimSpace(dir) == "" {
		return
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.logger.Warn("skills watcher: abs failed", "dir", dir, "error", err)
		return
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("skills watcher: add failed", "dir", abs, "error", err)
		}
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		child := filepath.Join(abs, ent.Name())
		_ = fsw.Add(child)
		for _, sub := range []string{"scripts", "references", "assets"} {
			subDir := filepath.Join(child, sub)
			if fi, err := os.Stat(subDir); err == nil && fi.IsDir() {
				_ = fsw.Add(subDir)
			}
		}
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var pending bool
	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		pending = true
		if timer == nil {
			timer = time.NewTimer(debounceWindow)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceWindow)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// A freshly created skill dir gets watched, and counts as a
			// change itself: its SKILL.md may have landed before the watch
			// was registered.
			createdDir := false
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					createdDir = true
					_ = fsw.Add(ev.Name)
				}
			}

			if !skillRelevant(ev.Name) && !createdDir {
				continue
			}
			arm()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "error", err)

		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				select {
				case w.events <- "skills":
				default:
				}
			}
		}
	}
}

// skillRelevant filters to the files that affect a loaded skill: its
// manifest, compiled modules, and anything under the known subdirs.
func skillRelevant(path string) bool {
	base := filepath.Base(path)
	if base == "SKILL.md" || filepath.Ext(base) == ".wasm" {
		return true
	}
	sep := string(filepath.Separator)
	for _, sub := range []string{"scripts", "references", "assets"} {
		if strings.Contains(path, sep+sub+sep) {
			return true
		}
	}
	return false
}
