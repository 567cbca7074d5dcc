package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// SystemState mirrors the singleton row the policy engine's R1/R2 rules
// consult on every tool call. There is no in-memory mirror; the row is the
// single source of truth.
type SystemState struct {
	Lockdown         bool
	LockdownReason   string
	Restarting       bool
	ReadyzFailStreak int
	UpdatedAt        time.Time
}

// GetSystemState reads the singleton system_state row.
func (s *Store) GetSystemState(ctx context.Context) (SystemState, error) {
	var st SystemState
	var lockdown, restarting int
	err := s.db.QueryRowContext(ctx, `
		SELECT lockdown, lockdown_reason, restarting, readyz_fail_streak, updated_at
		FROM system_state WHERE id = 1;
	`).Scan(&lockdown, &st.LockdownReason, &restarting, &st.ReadyzFailStreak, &st.UpdatedAt)
	if err != nil {
		return SystemState{}, fmt.Errorf("get system state: %w", err)
	}
	st.Lockdown = lockdown != 0
	st.Restarting = restarting != 0
	return st, nil
}

// IsLockdown implements policy.Source for rule R1.
func (s *Store) IsLockdown(ctx context.Context) (bool, error) {
	st, err := s.GetSystemState(ctx)
	if err != nil {
		return false, err
	}
	return st.Lockdown, nil
}

// IsRestarting implements policy.Source for rule R2.
func (s *Store) IsRestarting(ctx context.Context) (bool, error) {
	st, err := s.GetSystemState(ctx)
	if err != nil {
		return false, err
	}
	return st.Restarting, nil
}

// SetLockdown toggles lockdown and records the reason that triggered it
// (manual, readyz threshold, rollback burst, exec-host failure rate).
func (s *Store) SetLockdown(ctx context.Context, on bool, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_state SET lockdown = ?, lockdown_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
	`, boolToInt(on), reason)
	if err != nil {
		return fmt.Errorf("set lockdown: %w", err)
	}
	return nil
}

// SetRestarting toggles the restarting flag; while set, new ingress is refused.
func (s *Store) SetRestarting(ctx context.Context, on bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_state SET restarting = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
	`, boolToInt(on))
	if err != nil {
		return fmt.Errorf("set restarting: %w", err)
	}
	return nil
}

// RecordExecHostFailure bumps a KV-backed exec-host failure counter and
// trips lockdown once it reaches threshold. A success call resets it.
func (s *Store) RecordExecHostFailure(ctx context.Context, failed bool, threshold int) (tripped bool, err error) {
	const key = "exec_host_fail_count"
	count := 0
	if raw, kvErr := s.KVGet(ctx, key); kvErr == nil && raw != "" {
		count, _ = strconv.Atoi(raw)
	}
	if failed {
		count++
	} else {
		count = 0
	}
	if err := s.KVSet(ctx, key, strconv.Itoa(count)); err != nil {
		return false, fmt.Errorf("record exec-host failure: %w", err)
	}
	if failed && threshold > 0 && count >= threshold {
		if err := s.SetLockdown(ctx, true, "exec_host_fail_threshold"); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RecordReadyzResult updates the consecutive-failure streak and trips
// lockdown once it reaches threshold. A successful probe resets the streak.
func (s *Store) RecordReadyzResult(ctx context.Context, ok bool, threshold int) (tripped bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record readyz: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var streak int
	if err := tx.QueryRowContext(ctx, `SELECT readyz_fail_streak FROM system_state WHERE id = 1;`).Scan(&streak); err != nil {
		return false, fmt.Errorf("record readyz: read streak: %w", err)
	}
	if ok {
		streak = 0
	} else {
		streak++
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE system_state SET readyz_fail_streak = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
	`, streak); err != nil {
		return false, fmt.Errorf("record readyz: write streak: %w", err)
	}
	if !ok && threshold > 0 && streak >= threshold {
		if _, err := tx.ExecContext(ctx, `
			UPDATE system_state SET lockdown = 1, lockdown_reason = 'readyz_fail_threshold', updated_at = CURRENT_TIMESTAMP WHERE id = 1;
		`); err != nil {
			return false, fmt.Errorf("record readyz: trip lockdown: %w", err)
		}
		tripped = true
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record readyz: commit: %w", err)
	}
	return tripped, nil
}
