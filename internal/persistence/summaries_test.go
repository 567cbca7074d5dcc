package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestSummaries_RoundTrip(t *testing.T) {
	store := pinTestStore(t)
	ctx := context.Background()

	if err := store.SaveSummary(ctx, "test-agent", "test summary", 10); err != nil {
		t.Fatalf("save: %v", err)
	}
	summary, err := store.LoadLatestSummary(ctx, "test-agent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.Summary != "test summary" || summary.MsgCount != 10 {
		t.Fatalf("round-trip mismatch: %+v", summary)
	}
	if summary.CreatedAt.IsZero() {
		t.Fatal("created_at must be stamped on save")
	}
}

func TestSummaries_MissingIsEmptyNotError(t *testing.T) {
	store := pinTestStore(t)
	summary, err := store.LoadLatestSummary(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.Summary != "" || summary.MsgCount != 0 {
		t.Fatalf("expected zero-valued summary, got %+v", summary)
	}
}

func TestSummaries_DeleteClearsSlot(t *testing.T) {
	store := pinTestStore(t)
	ctx := context.Background()

	agentID := uuid.NewString()
	if err := store.SaveSummary(ctx, agentID, "temp", 5); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteAgentSummaries(ctx, agentID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if summary, _ := store.LoadLatestSummary(ctx, agentID); summary.Summary != "" {
		t.Fatalf("summary survived delete: %+v", summary)
	}
}

func TestSummaries_PerAgentSlots(t *testing.T) {
	store := pinTestStore(t)
	ctx := context.Background()

	if err := store.SaveSummary(ctx, "agent-a", "summary-a", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSummary(ctx, "agent-b", "summary-b", 2); err != nil {
		t.Fatal(err)
	}
	a, _ := store.LoadLatestSummary(ctx, "agent-a")
	b, _ := store.LoadLatestSummary(ctx, "agent-b")
	if a.Summary != "summary-a" || b.Summary != "summary-b" {
		t.Fatalf("agents share a summary slot: %q / %q", a.Summary, b.Summary)
	}

	// Each save replaces the slot wholesale.
	if err := store.SaveSummary(ctx, "agent-a", "replaced", 3); err != nil {
		t.Fatal(err)
	}
	a, _ = store.LoadLatestSummary(ctx, "agent-a")
	if a.Summary != "replaced" || a.MsgCount != 3 {
		t.Fatalf("overwrite failed: %+v", a)
	}
}
