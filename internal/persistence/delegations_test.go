package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openDelegationTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDelegation_Create(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "fix the bug", TaskID: "tsk_1"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected CreateDelegation to assign an id")
	}

	got, err := store.GetDelegation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if got.Status != "queued" {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.ParentAgent != "main" || got.ChildAgent != "coder" || got.Prompt != "fix the bug" {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestDelegation_GetByID(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	_, err := store.GetDelegation(ctx, "dlg_missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestDelegation_Complete(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "p", TaskID: "tsk_2"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if err := store.CompleteDelegation(ctx, d.ID, "done"); err != nil {
		t.Fatalf("CompleteDelegation: %v", err)
	}

	got, err := store.GetDelegation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if got.Status != "completed" || got.Result != "done" {
		t.Errorf("unexpected row after complete: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestDelegation_Fail(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "p", TaskID: "tsk_3"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if err := store.FailDelegation(ctx, d.ID, "boom"); err != nil {
		t.Fatalf("FailDelegation: %v", err)
	}

	got, err := store.GetDelegation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if got.Status != "failed" || got.ErrorMsg != "boom" {
		t.Errorf("unexpected row after fail: %+v", got)
	}
}

func TestDelegation_PendingQuery(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	completed := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "a", TaskID: "tsk_4"}
	failed := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "b", TaskID: "tsk_5"}
	queued := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "c", TaskID: "tsk_6"}
	other := &Delegation{ParentAgent: "researcher", ChildAgent: "coder", Prompt: "d", TaskID: "tsk_7"}
	for _, d := range []*Delegation{completed, failed, queued, other} {
		if err := store.CreateDelegation(ctx, d); err != nil {
			t.Fatalf("CreateDelegation: %v", err)
		}
	}
	if err := store.CompleteDelegation(ctx, completed.ID, "ok"); err != nil {
		t.Fatalf("CompleteDelegation: %v", err)
	}
	if err := store.FailDelegation(ctx, failed.ID, "err"); err != nil {
		t.Fatalf("FailDelegation: %v", err)
	}

	pending, err := store.PendingDelegationsForAgent(ctx, "main")
	if err != nil {
		t.Fatalf("PendingDelegationsForAgent: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending delegations, got %d", len(pending))
	}
	ids := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	if !ids[completed.ID] || !ids[failed.ID] {
		t.Errorf("expected completed and failed delegations, got %+v", pending)
	}
	if ids[queued.ID] || ids[other.ID] {
		t.Errorf("queued or other-agent delegation leaked into pending results: %+v", pending)
	}
}

func TestDelegation_MarkInjected(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "p", TaskID: "tsk_8"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if err := store.CompleteDelegation(ctx, d.ID, "ok"); err != nil {
		t.Fatalf("CompleteDelegation: %v", err)
	}
	if err := store.MarkDelegationInjected(ctx, d.ID); err != nil {
		t.Fatalf("MarkDelegationInjected: %v", err)
	}

	pending, err := store.PendingDelegationsForAgent(ctx, "main")
	if err != nil {
		t.Fatalf("PendingDelegationsForAgent: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected injected delegation to drop out of pending, got %d", len(pending))
	}
}

func TestDelegation_GetByTaskID(t *testing.T) {
	store := openDelegationTestStore(t)
	ctx := context.Background()

	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "p", TaskID: "tsk_9"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}

	got, err := store.GetDelegationByTaskID(ctx, "tsk_9")
	if err != nil {
		t.Fatalf("GetDelegationByTaskID: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("got id %q, want %q", got.ID, d.ID)
	}

	_, err = store.GetDelegationByTaskID(ctx, "tsk_missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown task id, got %v", err)
	}
}

func TestDelegation_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()

	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d := &Delegation{ParentAgent: "main", ChildAgent: "coder", Prompt: "p", TaskID: "tsk_10"}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if err := store.CompleteDelegation(ctx, d.ID, "ok"); err != nil {
		t.Fatalf("CompleteDelegation: %v", err)
	}
	store.Close()

	reopened, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetDelegation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelegation after reopen: %v", err)
	}
	if got.Status != "completed" || got.Result != "ok" {
		t.Errorf("delegation did not survive restart intact: %+v", got)
	}
}
