package persistence

import (
	"context"
	"database/sql"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// AgentMemory is one remembered fact with relevance scoring: touches boost
// the score, DecayMemories erodes it, so stale facts sink in listings.
type AgentMemory struct {
	ID             int64
	AgentID        string
	Key            string
	Value          string
	Source         string // "user", "agent", "system"
	RelevanceScore float64
	AccessCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessed   time.Time
}

const memoryColumns = `id, agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed`

// SetMemory upserts a fact; a rewrite resets relevance to full.
func (s *Store) SetMemory(ctx context.Context, agentID, key, value, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memories (agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, 1.0, 0, datetime('now'), datetime('now'), datetime('now'))
		ON CONFLICT(agent_id, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			relevance_score = 1.0,
			updated_at = datetime('now'),
			last_accessed = datetime('now')
	`, agentID, key, value, source)
	return err
}

func scanMemory(row *sql.Row) (AgentMemory, error) {
	var m AgentMemory
	var created, updated, accessed string
	if err := row.Scan(&m.ID, &m.AgentID, &m.Key, &m.Value, &m.Source, &m.RelevanceScore, &m.AccessCount, &created, &updated, &accessed); err != nil {
		return AgentMemory{}, err
	}
	m.CreatedAt = parseTimeOrNow(created)
	m.UpdatedAt = parseTimeOrNow(updated)
	m.LastAccessed = parseTimeOrNow(accessed)
	return m, nil
}

func parseTimeOrNow(v string) time.Time {
	if t, err := time.Parse(timeLayout, v); err == nil {
		return t
	}
	return time.Now()
}

func scanMemoryRows(rows *sql.Rows) ([]AgentMemory, error) {
	var memories []AgentMemory
	for rows.Next() {
		var m AgentMemory
		var created, updated, accessed string
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Key, &m.Value, &m.Source, &m.RelevanceScore, &m.AccessCount, &created, &updated, &accessed); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		m.UpdatedAt, _ = time.Parse(timeLayout, updated)
		m.LastAccessed, _ = time.Parse(timeLayout, accessed)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// GetMemory retrieves one fact by key.
func (s *Store) GetMemory(ctx context.Context, agentID, key string) (AgentMemory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories WHERE agent_id = ? AND key = ?`, agentID, key)
	return scanMemory(row)
}

// ListMemories returns every fact for an agent, most relevant first.
func (s *Store) ListMemories(ctx context.Context, agentID string) ([]AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories WHERE agent_id = ? ORDER BY relevance_score DESC, updated_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// ListTopMemories caps ListMemories at limit, for context assembly.
func (s *Store) ListTopMemories(ctx context.Context, agentID string, limit int) ([]AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories WHERE agent_id = ? ORDER BY relevance_score DESC, updated_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// DeleteMemory forgets one fact.
func (s *Store) DeleteMemory(ctx context.Context, agentID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE agent_id = ? AND key = ?`, agentID, key)
	return err
}

// SearchMemories substring-matches key or value, most relevant first.
func (s *Store) SearchMemories(ctx context.Context, agentID, query string) ([]AgentMemory, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories WHERE agent_id = ? AND (key LIKE ? OR value LIKE ?) ORDER BY relevance_score DESC, updated_at DESC`,
		agentID, like, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// TouchMemory records an access: bumps the counter and nudges relevance
// back up, capped at 1.0.
func (s *Store) TouchMemory(ctx context.Context, agentID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_memories
		SET access_count = access_count + 1,
		    last_accessed = datetime('now'),
		    relevance_score = MIN(1.0, relevance_score + 0.05)
		WHERE agent_id = ? AND key = ?
	`, agentID, key)
	return err
}

// DecayMemories multiplies every relevance score by factor (0.95 for a 5%
// per-session decay).
func (s *Store) DecayMemories(ctx context.Context, agentID string, factor float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_memories SET relevance_score = relevance_score * ? WHERE agent_id = ?`, factor, agentID)
	return err
}

// DeleteAgentMemories forgets everything an agent knows.
func (s *Store) DeleteAgentMemories(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE agent_id = ?`, agentID)
	return err
}
