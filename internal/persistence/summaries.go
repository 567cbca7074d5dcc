package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AgentSummary is a compressed conversation summary. One summary per agent
// lives in the KV store under "agent_summary:<agent>"; each save replaces
// the last.
type AgentSummary struct {
	ID        int64
	AgentID   string
	Summary   string
	MsgCount  int
	CreatedAt time.Time
}

type summaryRecord struct {
	Summary   string `json:"summary"`
	MsgCount  int    `json:"msg_count"`
	CreatedAt string `json:"created_at"`
}

func summaryKey(agentID string) string {
	return fmt.Sprintf("agent_summary:%s", agentID)
}

// SaveSummary replaces the agent's stored summary.
func (s *Store) SaveSummary(ctx context.Context, agentID, summary string, msgCount int) error {
	data, err := json.Marshal(summaryRecord{
		Summary:   summary,
		MsgCount:  msgCount,
		CreatedAt: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return s.KVSet(ctx, summaryKey(agentID), string(data))
}

// LoadLatestSummary returns the stored summary, or a zero-valued summary
// (never an error) when none exists yet.
func (s *Store) LoadLatestSummary(ctx context.Context, agentID string) (AgentSummary, error) {
	raw, err := s.KVGet(ctx, summaryKey(agentID))
	if err != nil || raw == "" {
		return AgentSummary{AgentID: agentID}, nil
	}

	var rec summaryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return AgentSummary{}, fmt.Errorf("unmarshal summary: %w", err)
	}

	out := AgentSummary{AgentID: agentID, Summary: rec.Summary, MsgCount: rec.MsgCount}
	if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	return out, nil
}

// DeleteAgentSummaries clears the agent's summary slot.
func (s *Store) DeleteAgentSummaries(ctx context.Context, agentID string) error {
	return s.KVSet(ctx, summaryKey(agentID), "")
}
