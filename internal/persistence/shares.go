package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AgentShare is one grant letting a target agent read a source agent's
// memory or pinned context. ItemKey narrows the grant to one item; empty
// means everything of that type. TargetAgentID "*" grants to all agents.
type AgentShare struct {
	ID            int64
	SourceAgentID string
	TargetAgentID string
	ShareType     string // "memory", "pin", "all"
	ItemKey       string
	CreatedAt     time.Time
}

// AddShare records a grant; re-granting the same tuple is a no-op.
func (s *Store) AddShare(ctx context.Context, sourceAgentID, targetAgentID, shareType, itemKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_shares (source_agent_id, target_agent_id, share_type, item_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_agent_id, target_agent_id, share_type, item_key) DO NOTHING
	`, sourceAgentID, targetAgentID, shareType, itemKey)
	return err
}

// RemoveShare revokes exactly one grant tuple.
func (s *Store) RemoveShare(ctx context.Context, sourceAgentID, targetAgentID, shareType, itemKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_shares
		WHERE source_agent_id = ? AND target_agent_id = ? AND share_type = ? AND item_key = ?
	`, sourceAgentID, targetAgentID, shareType, itemKey)
	return err
}

// ListSharesFor returns the grants naming targetAgentID, newest first.
func (s *Store) ListSharesFor(ctx context.Context, targetAgentID string) ([]AgentShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_agent_id, target_agent_id, share_type, item_key, created_at
		FROM agent_shares
		WHERE target_agent_id = ?
		ORDER BY created_at DESC
	`, targetAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []AgentShare
	for rows.Next() {
		var share AgentShare
		var createdAt string
		if err := rows.Scan(&share.ID, &share.SourceAgentID, &share.TargetAgentID, &share.ShareType, &share.ItemKey, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			share.CreatedAt = t
		}
		shares = append(shares, share)
	}
	return shares, rows.Err()
}

// GetSharedMemories returns other agents' memories visible to
// targetAgentID through memory/all grants (including wildcard grants).
func (s *Store) GetSharedMemories(ctx context.Context, targetAgentID string) ([]AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.agent_id, m.key, m.value, m.source, m.relevance_score, m.access_count,
		       m.created_at, m.updated_at, m.last_accessed
		FROM agent_memories m
		WHERE m.agent_id IN (
			SELECT DISTINCT source_agent_id FROM agent_shares
			WHERE (target_agent_id = ? OR target_agent_id = '*') AND (share_type = 'memory' OR share_type = 'all')
		)
		ORDER BY m.agent_id, m.relevance_score DESC
	`, targetAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []AgentMemory
	for rows.Next() {
		var mem AgentMemory
		var createdAt, updatedAt, lastAccessed string
		if err := rows.Scan(&mem.ID, &mem.AgentID, &mem.Key, &mem.Value, &mem.Source,
			&mem.RelevanceScore, &mem.AccessCount, &createdAt, &updatedAt, &lastAccessed); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			mem.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, updatedAt); err == nil {
			mem.UpdatedAt = t
		}
		if t, err := time.Parse(timeLayout, lastAccessed); err == nil {
			mem.LastAccessed = t
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// GetSharedPinsForAgent returns other agents' pins visible to
// targetAgentID through pin/all grants.
func (s *Store) GetSharedPinsForAgent(ctx context.Context, targetAgentID string) ([]AgentPin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.agent_id, p.pin_type, p.source, p.content, p.token_count,
		       p.shared, p.last_read, p.file_mtime, p.created_at
		FROM agent_pins p
		WHERE p.agent_id IN (
			SELECT DISTINCT source_agent_id FROM agent_shares
			WHERE (target_agent_id = ? OR target_agent_id = '*') AND (share_type = 'pin' OR share_type = 'all')
		)
		ORDER BY p.agent_id, p.created_at DESC
	`, targetAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pins []AgentPin
	for rows.Next() {
		var pin AgentPin
		var createdAt, lastRead string
		if err := rows.Scan(&pin.ID, &pin.AgentID, &pin.PinType, &pin.Source, &pin.Content,
			&pin.TokenCount, &pin.Shared, &lastRead, &pin.FileMtime, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			pin.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, lastRead); err == nil {
			pin.LastRead = t
		}
		pins = append(pins, pin)
	}
	return pins, rows.Err()
}

// GetSharedMemoriesByKey narrows GetSharedMemories to one key.
func (s *Store) GetSharedMemoriesByKey(ctx context.Context, targetAgentID, key string) ([]AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.agent_id, m.key, m.value, m.source, m.relevance_score, m.access_count,
		       m.created_at, m.updated_at, m.last_accessed
		FROM agent_memories m
		WHERE m.agent_id IN (
			SELECT DISTINCT source_agent_id FROM agent_shares
			WHERE target_agent_id = ? AND (share_type = 'memory' OR share_type = 'all')
		)
		AND m.key = ?
		ORDER BY m.relevance_score DESC
	`, targetAgentID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []AgentMemory
	for rows.Next() {
		var mem AgentMemory
		if err := rows.Scan(&mem.ID, &mem.AgentID, &mem.Key, &mem.Value, &mem.Source,
			&mem.RelevanceScore, &mem.AccessCount, &mem.CreatedAt, &mem.UpdatedAt, &mem.LastAccessed); err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// shareCovers is the grant predicate both Is*Shared checks use: an exact
// item grant, a type-wide grant (empty item key), or an "all" grant.
func (s *Store) shareCovers(ctx context.Context, sourceAgentID, targetAgentID, shareType, itemKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_shares
		WHERE source_agent_id = ? AND (target_agent_id = ? OR target_agent_id = '*')
		AND (
			(share_type = ? AND item_key = '') OR
			(share_type = ? AND item_key = ?) OR
			share_type = 'all'
		)
	`, sourceAgentID, targetAgentID, shareType, shareType, itemKey).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return count > 0, nil
}

// IsMemoryShared reports whether sourceAgent's memoryKey is visible to
// targetAgent.
func (s *Store) IsMemoryShared(ctx context.Context, sourceAgentID, targetAgentID, memoryKey string) (bool, error) {
	return s.shareCovers(ctx, sourceAgentID, targetAgentID, "memory", memoryKey)
}

// IsPinShared reports whether sourceAgent's pin is visible to targetAgent.
func (s *Store) IsPinShared(ctx context.Context, sourceAgentID, targetAgentID, pinSource string) (bool, error) {
	return s.shareCovers(ctx, sourceAgentID, targetAgentID, "pin", pinSource)
}
