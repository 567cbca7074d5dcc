package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/substrate/internal/ids"
)

// FailureCapsule is the root-cause record the orchestrator writes when a
// model call or tool loop fails hard, so a later /status or support flow
// can look the failure back up by trace_id.
type FailureCapsule struct {
	ID          string
	TraceID     string
	ToolName    string
	Fingerprint string
	Summary     string
	PayloadJSON string
}

// InsertFailureCapsule persists a new capsule keyed by trace_id.
func (s *Store) InsertFailureCapsule(ctx context.Context, fc FailureCapsule) (string, error) {
	if fc.ID == "" {
		fc.ID = ids.NewCapsule()
	}
	if fc.PayloadJSON == "" {
		fc.PayloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_capsules (id, trace_id, tool_name, fingerprint, summary, payload_json)
		VALUES (?, ?, ?, ?, ?, ?);
	`, fc.ID, fc.TraceID, fc.ToolName, fc.Fingerprint, fc.Summary, fc.PayloadJSON)
	if err != nil {
		return "", fmt.Errorf("insert failure capsule: %w", err)
	}
	return fc.ID, nil
}

// FailureCapsuleByTrace looks up the most recent capsule for a trace_id —
// the CLI's canned-apology reply references this.
func (s *Store) FailureCapsuleByTrace(ctx context.Context, traceID string) (FailureCapsule, error) {
	var fc FailureCapsule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, tool_name, fingerprint, summary, payload_json
		FROM failure_capsules WHERE trace_id = ? ORDER BY created_at DESC LIMIT 1;
	`, traceID).Scan(&fc.ID, &fc.TraceID, &fc.ToolName, &fc.Fingerprint, &fc.Summary, &fc.PayloadJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureCapsule{}, nil
		}
		return FailureCapsule{}, fmt.Errorf("failure capsule by trace: %w", err)
	}
	return fc, nil
}
