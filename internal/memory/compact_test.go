package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/substrate/internal/persistence"
)

func openCompactStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "substrate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedCompactThread(t *testing.T, store *persistence.Store, messages int) persistence.Thread {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureUser(ctx, "usr_c", "C"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := store.EnsureChannel(ctx, "cli", "cli"); err != nil {
		t.Fatalf("ensure channel: %v", err)
	}
	thread, err := store.EnsureOpenThread(ctx, "usr_c", "cli")
	if err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	for i := 0; i < messages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := store.AppendThreadMessage(ctx, thread.ID, role, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return thread
}

func TestCompactThread_PersistsBothSummaries(t *testing.T) {
	store := openCompactStore(t)
	thread := seedCompactThread(t, store, 30)
	ctx := context.Background()

	res, err := CompactThread(ctx, store, thread.ID, nil)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Short == "" || res.Long == "" {
		t.Fatalf("result = %+v, want both summaries non-empty", res)
	}

	short, err := store.KVGet(ctx, summaryShortKey(thread.ID))
	if err != nil || short != res.Short {
		t.Fatalf("short summary not persisted: %q %v", short, err)
	}
	long, err := store.KVGet(ctx, summaryLongKey(thread.ID))
	if err != nil || long != res.Long {
		t.Fatalf("long summary not persisted: %q %v", long, err)
	}
}

func TestCompactThread_EmptyThreadIsNoop(t *testing.T) {
	store := openCompactStore(t)
	thread := seedCompactThread(t, store, 0)

	res, err := CompactThread(context.Background(), store, thread.ID, nil)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Short != "" || res.Long != "" {
		t.Fatalf("empty thread produced summaries: %+v", res)
	}
}

func TestPeriodicCompaction_HonorsWatermark(t *testing.T) {
	store := openCompactStore(t)
	ctx := context.Background()

	// One short thread, well under the watermark.
	seedCompactThread(t, store, 5)
	n, err := PeriodicCompaction(ctx, store, nil)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("compacted %d threads under watermark, want 0", n)
	}

	// Grow it past the watermark.
	thread := seedCompactThread(t, store, compactionWatermark)
	n, err = PeriodicCompaction(ctx, store, nil)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("compacted %d threads, want 1", n)
	}
	if short, _ := store.KVGet(ctx, summaryShortKey(thread.ID)); short == "" {
		t.Fatalf("short summary missing after sweep")
	}
}
