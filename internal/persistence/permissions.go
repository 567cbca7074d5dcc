package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/substrate/internal/policy"
)

// GrantPermission inserts a (principal, tool_name, allow) row. Re-granting
// the same pair is a no-op; tool_name "*" is the wildcard form consulted by
// rule R4 when no exact-tool row exists.
func (s *Store) GrantPermission(ctx context.Context, principal, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_permissions (principal, tool_name, effect) VALUES (?, ?, 'allow')
		ON CONFLICT(principal, tool_name) DO NOTHING;
	`, principal, toolName)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// RevokePermission deletes a single permission row.
func (s *Store) RevokePermission(ctx context.Context, principal, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tool_permissions WHERE principal = ? AND tool_name = ?;
	`, principal, toolName)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// HasPermission implements policy.Source for rule R4: a principal may
// invoke a tool if it holds an exact-match row or a "*" wildcard row.
func (s *Store) HasPermission(ctx context.Context, principal, toolName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tool_permissions
		WHERE principal = ? AND (tool_name = ? OR tool_name = '*') AND effect = 'allow';
	`, principal, toolName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return n > 0, nil
}

// RegisteredTools is populated by the tool runtime at startup so ToolSpec
// (rule R3/R6) can answer without importing the tool package (which would
// create an import cycle with policy).
type RegisteredTools struct {
	specs map[string]policy.ToolSpec
}

func NewRegisteredTools() *RegisteredTools {
	return &RegisteredTools{specs: map[string]policy.ToolSpec{}}
}

func (r *RegisteredTools) Register(name string, risk policy.RiskTier) {
	r.specs[name] = policy.ToolSpec{Name: name, Risk: risk}
}

func (r *RegisteredTools) ToolSpec(_ context.Context, toolName string) (policy.ToolSpec, bool, error) {
	spec, ok := r.specs[toolName]
	return spec, ok, nil
}

// Governance reads the per-agent governance row, falling back to the
// conservative defaults (low risk tier, no path restrictions) a principal
// gets before any row has ever been written for it.
func (s *Store) Governance(ctx context.Context, principal string) (policy.Governance, error) {
	var riskTier string
	var maxActions int
	var allowedPathsJSON string
	var canPrivileged int
	err := s.db.QueryRowContext(ctx, `
		SELECT risk_tier, max_actions_per_step, allowed_paths, can_request_privileged_change
		FROM agent_governance WHERE principal = ?;
	`, principal).Scan(&riskTier, &maxActions, &allowedPathsJSON, &canPrivileged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Governance{
				RiskTier:          policy.RiskLow,
				MaxActionsPerStep: 20,
			}, nil
		}
		return policy.Governance{}, fmt.Errorf("load governance: %w", err)
	}
	var paths []string
	if allowedPathsJSON != "" {
		_ = json.Unmarshal([]byte(allowedPathsJSON), &paths)
	}
	return policy.Governance{
		RiskTier:                   policy.ParseRiskTier(riskTier),
		MaxActionsPerStep:          maxActions,
		AllowedPaths:               paths,
		CanRequestPrivilegedChange: canPrivileged != 0,
	}, nil
}

// SetGovernance upserts the governance row for a principal.
func (s *Store) SetGovernance(ctx context.Context, principal string, gov policy.Governance) error {
	pathsJSON, err := json.Marshal(gov.AllowedPaths)
	if err != nil {
		return fmt.Errorf("set governance: encode paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_governance (principal, risk_tier, max_actions_per_step, allowed_paths, can_request_privileged_change)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			risk_tier = excluded.risk_tier,
			max_actions_per_step = excluded.max_actions_per_step,
			allowed_paths = excluded.allowed_paths,
			can_request_privileged_change = excluded.can_request_privileged_change;
	`, principal, strings.ToLower(gov.RiskTier.String()), gov.MaxActionsPerStep, string(pathsJSON), boolToInt(gov.CanRequestPrivilegedChange))
	if err != nil {
		return fmt.Errorf("set governance: %w", err)
	}
	return nil
}

// ActionCount implements policy.Source for rule R8: the number of allowed
// policy decisions already recorded for this principal within this trace.
// Counting from the event log (rather than a separate counter table) keeps
// the budget durable and crash-safe without a second source of truth.
func (s *Store) ActionCount(ctx context.Context, principal, traceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events
		WHERE trace_id = ? AND event_type = 'policy.decision' AND agent_id = ?
		  AND json_extract(payload_json, '$.reason') = 'allow';
	`, traceID, principal).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
