package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const agentColumns = `agent_id, display_name, provider, model, soul, worker_count,
	task_timeout_seconds, max_queue_depth, skills_filter, policy_overrides,
	api_key_env, agent_emoji, preferred_search, status, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (AgentRecord, error) {
	var rec AgentRecord
	err := row.Scan(&rec.AgentID, &rec.DisplayName, &rec.Provider, &rec.Model, &rec.Soul,
		&rec.WorkerCount, &rec.TaskTimeoutSeconds, &rec.MaxQueueDepth, &rec.SkillsFilter,
		&rec.PolicyOverrides, &rec.APIKeyEnv, &rec.AgentEmoji, &rec.PreferredSearch,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

// CreateAgent persists a new worker-agent record.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, display_name, provider, model, soul, worker_count,
			task_timeout_seconds, max_queue_depth, skills_filter, policy_overrides,
			api_key_env, agent_emoji, preferred_search, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, rec.AgentID, rec.DisplayName, rec.Provider, rec.Model, rec.Soul, rec.WorkerCount,
		rec.TaskTimeoutSeconds, rec.MaxQueueDepth, rec.SkillsFilter, rec.PolicyOverrides,
		rec.APIKeyEnv, rec.AgentEmoji, rec.PreferredSearch, rec.Status)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the record for agentID, or nil when absent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	rec, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns every agent, oldest first.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus flips an agent between "active" and "stopped".
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", agentID)
	}
	return nil
}

// DeleteAgent removes an agent plus its mailbox and delegation rows in one
// transaction, and cancels its not-yet-running tasks. Running tasks drain
// through their engine; terminal tasks stay for audit.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", agentID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_messages WHERE from_agent = ? OR to_agent = ?;`, agentID, agentID); err != nil {
		return fmt.Errorf("delete agent messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM delegations WHERE parent_agent = ? OR child_agent = ?;`, agentID, agentID); err != nil {
		return fmt.Errorf("delete agent delegations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = 'agent_deleted', last_error_code = ?,
			updated_at = CURRENT_TIMESTAMP, lease_owner = NULL, lease_expires_at = NULL
		WHERE agent_id = ? AND status IN (?, ?);
	`, TaskStatusCanceled, ReasonCanceled, agentID, TaskStatusQueued, TaskStatusClaimed); err != nil {
		return fmt.Errorf("cancel orphaned tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete agent: commit: %w", err)
	}
	return nil
}

// CreateTaskForAgent enqueues a task scoped to one agent's engine.
func (s *Store) CreateTaskForAgent(ctx context.Context, agentID, sessionID, payload string) (string, error) {
	return s.createTask(ctx, agentID, sessionID, payload)
}

// ClaimNextPendingTaskForAgent claims the next pending task for the agent.
func (s *Store) ClaimNextPendingTaskForAgent(ctx context.Context, agentID string) (*Task, error) {
	return s.claimNextPendingTask(ctx, agentID)
}

// QueueDepthForAgent counts the agent's queued tasks.
func (s *Store) QueueDepthForAgent(ctx context.Context, agentID string) (int, error) {
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status=? AND agent_id=?;`, TaskStatusQueued, agentID).Scan(&pending); err != nil {
		return 0, fmt.Errorf("queue depth for agent: %w", err)
	}
	return pending, nil
}

// AgentMessage is one row of the inter-agent mailbox.
type AgentMessage struct {
	ID        int64     `json:"id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SendAgentMessage drops a message into the recipient's mailbox.
func (s *Store) SendAgentMessage(ctx context.Context, from, to, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (from_agent, to_agent, content) VALUES (?, ?, ?);
	`, from, to, content)
	if err != nil {
		return fmt.Errorf("send agent message: %w", err)
	}
	return nil
}

// ReadAgentMessages drains up to limit unread messages for an agent,
// marking them read in the same transaction so concurrent readers never
// deliver a message twice.
func (s *Store) ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]AgentMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("read agent messages: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, content, created_at
		FROM agent_messages
		WHERE to_agent = ? AND read_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("read agent messages: %w", err)
	}
	defer rows.Close()

	var msgs []AgentMessage
	var idArgs []any
	for rows.Next() {
		var m AgentMessage
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		msgs = append(msgs, m)
		idArgs = append(idArgs, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent messages: %w", err)
	}

	if len(idArgs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(idArgs)), ",")
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_messages SET read_at = CURRENT_TIMESTAMP WHERE id IN (`+placeholders+`);`,
			idArgs...); err != nil {
			return nil, fmt.Errorf("mark messages read: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("read agent messages: commit: %w", err)
	}
	return msgs, nil
}

// PeekAgentMessages counts unread messages without draining them.
func (s *Store) PeekAgentMessages(ctx context.Context, agentID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_messages WHERE to_agent = ? AND read_at IS NULL;
	`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("peek agent messages: %w", err)
	}
	return count, nil
}

// TotalAgentMessageCount is a lifetime mailbox counter for status surfaces.
func (s *Store) TotalAgentMessageCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_messages;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total agent message count: %w", err)
	}
	return count, nil
}

// TotalDelegationCount counts delegate_task invocations via the audit log.
func (s *Store) TotalDelegationCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM audit_log WHERE action='tools.delegate_task' AND reason='task_delegated';
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total delegation count: %w", err)
	}
	return count, nil
}
