package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// OnToolLoadedFunc fires after a module compiles and loads successfully.
type OnToolLoadedFunc func(name string)

// Watcher hot-swaps wasm skills: it watches a directory of TinyGo sources,
// compiles each change to a staged .wasm, loads it into the Host, and only
// then promotes it over the previous build. A broken edit never replaces a
// working module.
type Watcher struct {
	skillDir string
	host     *Host
	logger   *slog.Logger

	events       chan string
	notify       chan Notification
	onToolLoaded OnToolLoadedFunc

	tinygoPath atomic.Pointer[string]
	lastError  atomic.Pointer[string]
}

// Notification is a user-facing progress or error message.
type Notification struct {
	Level   string
	Message string
}

const requiredSkillABIVersion = "v1"

func NewWatcher(skillDir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		skillDir: skillDir,
		host:     host,
		logger:   logger,
		events:   make(chan string, 16),
		notify:   make(chan Notification, 32),
	}
}

// ToolsUpdated delivers the source file name of each successful swap.
func (w *Watcher) ToolsUpdated() <-chan string {
	return w.events
}

func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

// OnToolLoaded registers the load callback. Set before Start.
func (w *Watcher) OnToolLoaded(fn OnToolLoadedFunc) {
	w.onToolLoaded = fn
}

// TinygoStatus reports whether the compiler was found, and where — or the
// last error when it wasn't.
func (w *Watcher) TinygoStatus() (bool, string) {
	if p := w.tinygoPath.Load(); p != nil {
		return true, *p
	}
	if err := w.lastError.Load(); err != nil {
		return false, *err
	}
	return false, "tinygo not checked"
}

func (w *Watcher) Start(ctx context.Context) error {
	path, err := exec.LookPath("tinygo")
	if err != nil {
		w.fail("error", "tinygo not found in PATH (required for hot-swap)")
		w.logger.Warn("tinygo not found in PATH (required for hot-swap)")
	} else {
		w.tinygoPath.Store(&path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.skillDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch skill dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Sources that were present before startup get a compile too.
		matches, _ := filepath.Glob(filepath.Join(w.skillDir, "*.go"))
		for _, src := range matches {
			w.compileAndLoad(ctx, src)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".go" {
					continue
				}
				go w.compileAndLoad(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.fail("error", err.Error())
				w.logger.Error("skill watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) compileAndLoad(ctx context.Context, src string) {
	tinygo := w.tinygoPath.Load()
	if tinygo == nil {
		w.fail("error", "tinygo unavailable; skipping compile")
		return
	}

	skillName := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	abiVersion, err := readSkillABIVersion(src)
	if err != nil {
		w.fail("error", fmt.Sprintf("failed to read ABI version for %s: %v", skillName, err))
		return
	}
	if abiVersion != requiredSkillABIVersion {
		w.fail("error", fmt.Sprintf("Skill ABI mismatch (%s): got %s want %s", skillName, abiVersion, requiredSkillABIVersion))
		return
	}
	w.pushNotification("info", fmt.Sprintf("Compiling %s...", skillName))

	finalOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".wasm"
	stagedOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".staged.wasm"
	cmd := exec.CommandContext(ctx, *tinygo, "build", "-target=wasi", "-o", stagedOut, src)
	out, err := cmd.CombinedOutput()
	if err != nil {
		buildLog := strings.TrimSpace(string(out))
		w.lastError.Store(ptr(fmt.Sprintf("tinygo build failed for %s: %v: %s", src, err, buildLog)))
		w.logger.Error("skill compile failed", "src", src, "error", err, "output", buildLog)
		w.pushNotification("error", fmt.Sprintf("Skill compile error (%s): %s", skillName, buildLog))
		return
	}

	wasmBytes, err := os.ReadFile(stagedOut)
	if err != nil {
		w.fail("error", fmt.Sprintf("failed reading staged wasm for %s: %v", skillName, err))
		return
	}
	if err := w.host.LoadModuleFromBytes(ctx, skillName, wasmBytes, stagedOut); err != nil {
		w.lastError.Store(ptr(err.Error()))
		w.logger.Error("skill load failed", "wasm", stagedOut, "error", err)
		w.pushNotification("error", fmt.Sprintf("Skill load error (%s): %v", skillName, err))
		return
	}

	// The module is live; promotion of the artifact is best-effort.
	if err := os.Rename(stagedOut, finalOut); err != nil {
		w.fail("warn", fmt.Sprintf("failed promoting staged wasm for %s: %v", skillName, err))
	}

	if w.onToolLoaded != nil {
		w.onToolLoaded(skillName)
	}
	select {
	case w.events <- filepath.Base(src):
	default:
	}
	w.pushNotification("info", fmt.Sprintf("Skill Loaded: %s", skillName))
	w.logger.Info("skill hot-swapped", "src", src, "wasm", finalOut)
}

// fail records msg as the last error and surfaces it as a notification.
func (w *Watcher) fail(level, msg string) {
	w.lastError.Store(&msg)
	w.pushNotification(level, msg)
}

func (w *Watcher) pushNotification(level, msg string) {
	select {
	case w.notify <- Notification{Level: level, Message: msg}:
	default:
	}
}

func ptr(s string) *string { return &s }

// readSkillABIVersion reads the sibling .abi file; a missing or empty file
// means the current ABI.
func readSkillABIVersion(src string) (string, error) {
	data, err := os.ReadFile(strings.TrimSuffix(src, filepath.Ext(src)) + ".abi")
	if err != nil {
		if os.IsNotExist(err) {
			return requiredSkillABIVersion, nil
		}
		return "", err
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return requiredSkillABIVersion, nil
	}
	return version, nil
}
