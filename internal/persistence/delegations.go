package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/substrate/internal/ids"
)

// Delegation represents an async inter-agent delegation: delegate_task_async
// fires the child task and returns immediately, leaving this row as the
// durable link the parent agent's next step uses to find the result.
type Delegation struct {
	ID          string
	TaskID      string // links to tasks table (set when task is created)
	ParentAgent string // agent that requested delegation
	ChildAgent  string // agent that executes
	Prompt      string // what was delegated
	Status      string // "queued", "running", "completed", "failed"
	Result      string // output from child agent
	ErrorMsg    string // error message if failed
	CreatedAt   time.Time
	CompletedAt *time.Time
	Injected    bool // true once result has been injected into parent's conversation
}

// CreateDelegation stores a new delegation record.
func (s *Store) CreateDelegation(ctx context.Context, d *Delegation) error {
	if d.ID == "" {
		d.ID = ids.NewDelegation()
	}
	if d.Status == "" {
		d.Status = "queued"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, task_id, parent_agent, child_agent, prompt, status)
		VALUES (?, ?, ?, ?, ?, ?);
	`, d.ID, d.TaskID, d.ParentAgent, d.ChildAgent, d.Prompt, d.Status)
	if err != nil {
		return fmt.Errorf("create delegation: %w", err)
	}
	return nil
}

func scanDelegation(row *sql.Row) (*Delegation, error) {
	var d Delegation
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TaskID, &d.ParentAgent, &d.ChildAgent, &d.Prompt,
		&d.Status, &d.Result, &d.ErrorMsg, &d.Injected, &d.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

const delegationColumns = `id, task_id, parent_agent, child_agent, prompt, status, result, error_msg, injected, created_at, completed_at`

// GetDelegation retrieves a delegation by ID.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = ?;`, id)
	d, err := scanDelegation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return d, nil
}

// CompleteDelegation updates status to completed and sets result.
func (s *Store) CompleteDelegation(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET status = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, result, id)
	if err != nil {
		return fmt.Errorf("complete delegation: %w", err)
	}
	return nil
}

// FailDelegation updates status to failed and sets error message.
func (s *Store) FailDelegation(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET status = 'failed', error_msg = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("fail delegation: %w", err)
	}
	return nil
}

// PendingDelegationsForAgent returns rows where parent_agent = agentID AND
// injected = 0 AND status IN ('completed', 'failed') — results the parent
// agent hasn't yet seen injected into its conversation.
func (s *Store) PendingDelegationsForAgent(ctx context.Context, agentID string) ([]*Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+delegationColumns+` FROM delegations
		WHERE parent_agent = ? AND injected = 0 AND status IN ('completed', 'failed')
		ORDER BY created_at ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("pending delegations for agent: %w", err)
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		var d Delegation
		var completedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.TaskID, &d.ParentAgent, &d.ChildAgent, &d.Prompt,
			&d.Status, &d.Result, &d.ErrorMsg, &d.Injected, &d.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan pending delegation: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			d.CompletedAt = &t
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending delegations for agent: %w", err)
	}
	return out, nil
}

// MarkDelegationInjected sets injected = true for a delegation.
func (s *Store) MarkDelegationInjected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delegations SET injected = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("mark delegation injected: %w", err)
	}
	return nil
}

// GetDelegationByTaskID retrieves a delegation linked to a task ID.
func (s *Store) GetDelegationByTaskID(ctx context.Context, taskID string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE task_id = ?;`, taskID)
	d, err := scanDelegation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get delegation by task id: %w", err)
	}
	return d, nil
}
