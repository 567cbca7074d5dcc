package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/substrate/internal/ids"
)

// Approval is a single-use consent row gating a privileged operation
// (host.exec.sudo, selfupdate.apply). It is consumed on first match and
// expires after its TTL regardless.
type Approval struct {
	ID         string
	Capability string
	Resource   string
	Status     string // PENDING, CONSUMED, EXPIRED
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// CreateApproval grants one pending approval for (capability, resource),
// valid for ttl.
func (s *Store) CreateApproval(ctx context.Context, capability, resource string, ttl time.Duration) (Approval, error) {
	ap := Approval{
		ID:         ids.NewApproval(),
		Capability: capability,
		Resource:   resource,
		Status:     "PENDING",
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, capability, resource, status, expires_at)
		VALUES (?, ?, ?, 'PENDING', ?);
	`, ap.ID, ap.Capability, ap.Resource, ap.ExpiresAt)
	if err != nil {
		return Approval{}, fmt.Errorf("create approval: %w", err)
	}
	return ap, nil
}

// ConsumeApproval atomically claims the oldest live approval matching
// (capability, resource). The UPDATE is the consumption: a second caller
// racing for the same row matches zero rows and gets false. Expired rows
// never match.
func (s *Store) ConsumeApproval(ctx context.Context, capability, resource string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT approval_id FROM approvals
		WHERE capability = ? AND resource = ? AND status = 'PENDING' AND expires_at > ?
		ORDER BY created_at ASC LIMIT 1;
	`, capability, resource, time.Now().UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume approval: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'CONSUMED', resolved_at = CURRENT_TIMESTAMP
		WHERE approval_id = ? AND status = 'PENDING';
	`, id)
	if err != nil {
		return false, fmt.Errorf("consume approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ExpireApprovals marks overdue pending approvals expired; run by the
// periodic maintenance sweep.
func (s *Store) ExpireApprovals(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'EXPIRED'
		WHERE status = 'PENDING' AND expires_at <= ?;
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}
