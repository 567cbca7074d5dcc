package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/substrate/internal/config"
)

func TestWatcher_SurfacesWatchedFileEdits(t *testing.T) {
	homeDir := t.TempDir()
	soulPath := filepath.Join(homeDir, "SOUL.md")
	if err := os.WriteFile(soulPath, []byte("initial"), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Re-write on a short tick until the event arrives; notification
	// readiness varies by platform.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	_ = os.WriteFile(soulPath, []byte("updated"), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "SOUL.md" {
				t.Fatalf("expected SOUL.md event, got %s", ev.Path)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(soulPath, []byte("updated"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for SOUL.md change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	other := filepath.Join(homeDir, "notes.txt")
	for i := 0; i < 5; i++ {
		_ = os.WriteFile(other, []byte("x"), 0o644)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
