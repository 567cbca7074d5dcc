package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// MaxCatchup returns the schedule's configured catch-up ceiling, or
// defaultMaxCatchup if the schedule has none set.
func (s *Store) MaxCatchup(ctx context.Context, scheduleID string, defaultMaxCatchup int) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT max_catchup FROM schedules WHERE id = ?;`, scheduleID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max catchup: %w", err)
	}
	if v.Valid && v.Int64 > 0 {
		return int(v.Int64), nil
	}
	if defaultMaxCatchup < 1 {
		defaultMaxCatchup = 1
	}
	return defaultMaxCatchup, nil
}

// ListEnabledSchedules returns every enabled schedule for the evaluator tick.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, payload, session_id, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Payload, &sc.SessionID, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ErrSlotAlreadyClaimed signals the unique-key collision on
// (schedule_id, due_at) that is the idempotency guarantee for catch-up
// dispatch: another tick already claimed this slot.
var ErrSlotAlreadyClaimed = errors.New("schedule slot already claimed")

// InsertScheduleDispatch attempts to claim a (schedule_id, due_at) slot. A
// unique-constraint violation means another tick beat us to it; the caller
// is expected to treat ErrSlotAlreadyClaimed as "skip silently".
func (s *Store) InsertScheduleDispatch(ctx context.Context, scheduleID string, dueAt time.Time, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_dispatches (schedule_id, due_at, task_id) VALUES (?, ?, ?);
	`, scheduleID, dueAt, taskID)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return ErrSlotAlreadyClaimed
		}
		return fmt.Errorf("insert schedule dispatch: %w", err)
	}
	return nil
}

// UpdateDispatchTaskID backfills the task id onto an already-claimed slot,
// once the bridge has actually created the task.
func (s *Store) UpdateDispatchTaskID(ctx context.Context, scheduleID string, dueAt time.Time, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule_dispatches SET task_id = ? WHERE schedule_id = ? AND due_at = ?;
	`, taskID, scheduleID, dueAt)
	if err != nil {
		return fmt.Errorf("update dispatch task id: %w", err)
	}
	return nil
}

// UpdateScheduleLastRun advances schedules.last_run_at to the latest
// dispatched slot — called once per tick after all slots for a schedule
// have been processed, not per-slot.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, scheduleID string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastRun, scheduleID)
	if err != nil {
		return fmt.Errorf("update schedule last run: %w", err)
	}
	return nil
}

// UpdateScheduleMaxCatchup sets a schedule's per-schedule catch-up ceiling;
// 0 clears it back to the evaluator default.
func (s *Store) UpdateScheduleMaxCatchup(ctx context.Context, scheduleID string, maxCatchup int) error {
	var v any
	if maxCatchup > 0 {
		v = maxCatchup
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET max_catchup = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, v, scheduleID)
	if err != nil {
		return fmt.Errorf("update schedule max catchup: %w", err)
	}
	return nil
}

// CountScheduleDispatches reports how many dispatch rows exist for a
// schedule — used by tests asserting exact idempotent-catch-up counts.
func (s *Store) CountScheduleDispatches(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schedule_dispatches WHERE schedule_id = ?;`, scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count schedule dispatches: %w", err)
	}
	return n, nil
}
