package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult reports what one retention sweep removed.
type RetentionResult struct {
	PurgedTaskEvents    int64 `json:"purged_task_events"`
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedMessages      int64 `json:"purged_messages"`
	PurgedAgentMessages int64 `json:"purged_agent_messages"`
}

// RunRetention deletes rows older than each category's window. A zero
// window keeps that category forever. Re-running with the same cutoffs is
// a no-op, so the periodic sweep can fire as often as it likes.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays, messageDays int) (RetentionResult, error) {
	var result RetentionResult

	purge := func(days int, query string) (int64, error) {
		if days <= 0 {
			return 0, nil
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	var err error
	if result.PurgedTaskEvents, err = purge(taskEventDays, `DELETE FROM task_events WHERE created_at < ?;`); err != nil {
		return result, fmt.Errorf("purge task_events: %w", err)
	}
	if result.PurgedAuditLogs, err = purge(auditLogDays, `DELETE FROM audit_log WHERE created_at < ?;`); err != nil {
		return result, fmt.Errorf("purge audit_log: %w", err)
	}
	if result.PurgedMessages, err = purge(messageDays, `DELETE FROM messages WHERE created_at < ?;`); err != nil {
		return result, fmt.Errorf("purge messages: %w", err)
	}
	// Mailbox rows go with the message window, but only once delivered;
	// unread mail survives any sweep.
	if result.PurgedAgentMessages, err = purge(messageDays, `DELETE FROM agent_messages WHERE read_at IS NOT NULL AND created_at < ?;`); err != nil {
		return result, fmt.Errorf("purge agent_messages: %w", err)
	}

	return result, nil
}
