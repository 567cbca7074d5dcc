package persistence

import (
	"context"
	"database/sql"
	"time"
)

// AgentPin is a file or text snippet pinned into an agent's context.
type AgentPin struct {
	ID         int64
	AgentID    string
	PinType    string // "file" or "text"
	Source     string // filepath or label; unique per agent
	Content    string
	TokenCount int
	Shared     bool
	LastRead   time.Time
	FileMtime  string
	CreatedAt  time.Time
}

const pinColumns = `id, agent_id, pin_type, source, content, token_count, shared, last_read, file_mtime, created_at`

func scanPin(row interface{ Scan(...any) error }) (AgentPin, error) {
	var p AgentPin
	var lastRead, created, mtime string
	if err := row.Scan(&p.ID, &p.AgentID, &p.PinType, &p.Source, &p.Content, &p.TokenCount, &p.Shared, &lastRead, &mtime, &created); err != nil {
		return AgentPin{}, err
	}
	p.LastRead, _ = time.Parse(timeLayout, lastRead)
	p.FileMtime = mtime
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	return p, nil
}

func collectPins(rows *sql.Rows) ([]AgentPin, error) {
	defer rows.Close()
	var pins []AgentPin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, rows.Err()
}

// AddPin inserts or refreshes a pin; (agent_id, source) is the identity.
func (s *Store) AddPin(ctx context.Context, agentID, pinType, source, content string, shared bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_pins (agent_id, pin_type, source, content, token_count, shared, last_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(agent_id, source) DO UPDATE SET
			content = excluded.content,
			token_count = excluded.token_count,
			shared = excluded.shared,
			last_read = datetime('now')
	`, agentID, pinType, source, content, (len(content)+3)/4, shared)
	return err
}

// RemovePin deletes one pin.
func (s *Store) RemovePin(ctx context.Context, agentID, source string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_pins WHERE agent_id = ? AND source = ?`, agentID, source)
	return err
}

// ListPins returns the agent's pins, newest first.
func (s *Store) ListPins(ctx context.Context, agentID string) ([]AgentPin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pinColumns+` FROM agent_pins WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	return collectPins(rows)
}

// GetPin retrieves one pin by its (agent, source) identity.
func (s *Store) GetPin(ctx context.Context, agentID, source string) (AgentPin, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pinColumns+` FROM agent_pins WHERE agent_id = ? AND source = ?`, agentID, source)
	return scanPin(row)
}

// UpdatePinContent replaces a pin's content after its backing file changed.
func (s *Store) UpdatePinContent(ctx context.Context, agentID, source, content, mtime string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_pins
		SET content = ?, token_count = ?, file_mtime = ?, last_read = datetime('now')
		WHERE agent_id = ? AND source = ?
	`, content, (len(content)+3)/4, mtime, agentID, source)
	return err
}

// GetSharedPins returns every broadcast-shared pin regardless of owner.
// Grant-scoped sharing goes through GetSharedPinsForAgent in shares.go.
func (s *Store) GetSharedPins(ctx context.Context, targetAgentID string) ([]AgentPin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pinColumns+` FROM agent_pins WHERE shared = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectPins(rows)
}
