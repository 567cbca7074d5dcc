package memory

import (
	"context"
	"testing"
)

func TestMergeState_ExactDuplicateUpdatesInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	const threadID = "thr_merge"

	first, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user prefers dark mode", Confidence: 0.8})
	if err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	second, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user prefers dark mode", Confidence: 0.95})
	if err != nil {
		t.Fatalf("merge 2: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected exact duplicate to reuse the row, got %s vs %s", first.ID, second.ID)
	}
}

func TestMergeState_NearDuplicateSupersedes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	const threadID = "thr_merge_near"

	old, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user prefers to receive notifications by email every single day"})
	if err != nil {
		t.Fatalf("merge old: %v", err)
	}
	fresh, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user prefers to receive notifications by email every single night"})
	if err != nil {
		t.Fatalf("merge fresh: %v", err)
	}

	active, err := store.ListActiveStateItems(ctx, threadID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected near-duplicate to collapse to one active item, got %d", len(active))
	}
	if active[0].ID != fresh.ID {
		t.Fatalf("expected the newer item to remain active, got %s", active[0].ID)
	}
	_ = old
}

func TestMergeState_DistinctFactsBothRemainActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	const threadID = "thr_merge_distinct"

	if _, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user lives in Berlin"}); err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	if _, err := MergeState(ctx, store, threadID, ExtractedState{TypeTag: "fact", Text: "user works as a pilot"}); err != nil {
		t.Fatalf("merge 2: %v", err)
	}

	active, err := store.ListActiveStateItems(ctx, threadID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected two unrelated facts to both remain active, got %d", len(active))
	}
}
