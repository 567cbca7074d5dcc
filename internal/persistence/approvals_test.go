package persistence_test

import (
	"context"
	"testing"
	"time"
)

func TestApprovals_SingleUse(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateApproval(ctx, "host.exec.sudo", "apt-get upgrade", 10*time.Minute); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	ok, err := store.ConsumeApproval(ctx, "host.exec.sudo", "apt-get upgrade")
	if err != nil || !ok {
		t.Fatalf("first consume = (%v, %v), want (true, nil)", ok, err)
	}

	// Consumed on first match: a second attempt finds nothing.
	ok, err = store.ConsumeApproval(ctx, "host.exec.sudo", "apt-get upgrade")
	if err != nil || ok {
		t.Fatalf("second consume = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestApprovals_ExpiredNeverMatch(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateApproval(ctx, "selfupdate.apply", "v0.5.1", -time.Minute); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	ok, err := store.ConsumeApproval(ctx, "selfupdate.apply", "v0.5.1")
	if err != nil || ok {
		t.Fatalf("consume of expired approval = (%v, %v), want (false, nil)", ok, err)
	}

	n, err := store.ExpireApprovals(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire sweep = (%d, %v), want (1, nil)", n, err)
	}
}

func TestApprovals_ResourceScoped(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateApproval(ctx, "host.exec.sudo", "reboot", 10*time.Minute); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	ok, err := store.ConsumeApproval(ctx, "host.exec.sudo", "rm -rf /")
	if err != nil || ok {
		t.Fatalf("approval matched a different resource: (%v, %v)", ok, err)
	}
}
