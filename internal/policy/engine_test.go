package policy_test

import (
	"context"
	"testing"

	"github.com/basket/substrate/internal/policy"
)

type fakeSource struct {
	restarting  bool
	lockdown    bool
	tools       map[string]policy.ToolSpec
	perms       map[string]bool // "principal/tool"
	gov         map[string]policy.Governance
	actionCount int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tools: map[string]policy.ToolSpec{},
		perms: map[string]bool{},
		gov:   map[string]policy.Governance{},
	}
}

func (f *fakeSource) IsRestarting(ctx context.Context) (bool, error) { return f.restarting, nil }
func (f *fakeSource) IsLockdown(ctx context.Context) (bool, error)   { return f.lockdown, nil }

func (f *fakeSource) ToolSpec(ctx context.Context, toolName string) (policy.ToolSpec, bool, error) {
	spec, ok := f.tools[toolName]
	return spec, ok, nil
}

func (f *fakeSource) HasPermission(ctx context.Context, principal, toolName string) (bool, error) {
	if f.perms[principal+"/"+toolName] || f.perms[principal+"/*"] {
		return true, nil
	}
	return false, nil
}

func (f *fakeSource) Governance(ctx context.Context, principal string) (policy.Governance, error) {
	g, ok := f.gov[principal]
	if !ok {
		return policy.Governance{RiskTier: policy.RiskLow, MaxActionsPerStep: 100}, nil
	}
	return g, nil
}

func (f *fakeSource) ActionCount(ctx context.Context, principal, traceID string) (int, error) {
	return f.actionCount, nil
}

func baseSource() *fakeSource {
	f := newFakeSource()
	f.tools["read_file"] = policy.ToolSpec{Name: "read_file", Risk: policy.RiskLow}
	f.tools["shell_exec"] = policy.ToolSpec{Name: "shell_exec", Risk: policy.RiskHigh}
	f.perms["agent-a/read_file"] = true
	f.perms["agent-a/shell_exec"] = true
	f.perms["main/session_list"] = true
	f.gov["agent-a"] = policy.Governance{RiskTier: policy.RiskMedium, MaxActionsPerStep: 5, AllowedPaths: []string{"/workspace"}}
	return f
}

func TestEvaluate_Allow(t *testing.T) {
	eng := policy.NewEngine(baseSource())
	d, err := eng.Evaluate(context.Background(), "agent-a", "read_file", "trace-1", map[string]any{"path": "/workspace/notes.txt"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != "allow" {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestEvaluate_R2Restarting(t *testing.T) {
	src := baseSource()
	src.restarting = true
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "read_file", "t1", nil)
	if d.Allowed || d.Reason != "R2: restarting" {
		t.Fatalf("expected R2 deny, got %+v", d)
	}
}

func TestEvaluate_R1LockdownBlocksMostTools(t *testing.T) {
	src := baseSource()
	src.lockdown = true
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "read_file", "t1", nil)
	if d.Allowed || d.Reason != "R1: lockdown" {
		t.Fatalf("expected R1 deny, got %+v", d)
	}
}

func TestEvaluate_R1LockdownAllowsSafeTools(t *testing.T) {
	src := baseSource()
	src.lockdown = true
	src.tools["session_list"] = policy.ToolSpec{Name: "session_list", Risk: policy.RiskLow}
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "main", "session_list", "t1", nil)
	if !d.Allowed {
		t.Fatalf("expected session_list to stay reachable during lockdown, got %+v", d)
	}
}

func TestEvaluate_R5SessionToolMainOnly(t *testing.T) {
	src := baseSource()
	src.tools["session_list"] = policy.ToolSpec{Name: "session_list", Risk: policy.RiskLow}
	src.perms["agent-a/session_list"] = true
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "session_list", "t1", nil)
	if d.Allowed || d.Reason != "R5: main-agent-only session tool" {
		t.Fatalf("expected R5 deny, got %+v", d)
	}
}

func TestEvaluate_R3UnknownTool(t *testing.T) {
	src := baseSource()
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "no_such_tool", "t1", nil)
	if d.Allowed || d.Reason != "R3: unknown tool" {
		t.Fatalf("expected R3 deny, got %+v", d)
	}
}

func TestEvaluate_R4NoPermission(t *testing.T) {
	src := baseSource()
	src.tools["other_tool"] = policy.ToolSpec{Name: "other_tool", Risk: policy.RiskLow}
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "other_tool", "t1", nil)
	if d.Allowed || d.Reason != "R4: permission denied" {
		t.Fatalf("expected R4 deny, got %+v", d)
	}
}

func TestEvaluate_R6RiskTierCap(t *testing.T) {
	src := baseSource()
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "shell_exec", "t1", nil)
	if d.Allowed || d.Reason != "R6: governance.risk_tier" {
		t.Fatalf("expected R6 deny, got %+v", d)
	}
}

func TestEvaluate_R7PathNotAllowed(t *testing.T) {
	src := baseSource()
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "read_file", "t1", map[string]any{"path": "/etc/passwd"})
	if d.Allowed || d.Reason != "R7: governance.allowed_paths" {
		t.Fatalf("expected R7 deny, got %+v", d)
	}
}

func TestEvaluate_R8ActionBudgetExceeded(t *testing.T) {
	src := baseSource()
	src.actionCount = 5
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "read_file", "t1", map[string]any{"path": "/workspace/x"})
	if d.Allowed || d.Reason != "R8: governance.max_actions_per_step" {
		t.Fatalf("expected R8 deny, got %+v", d)
	}
}

func TestEvaluate_OrderR2BeatsR1(t *testing.T) {
	src := baseSource()
	src.restarting = true
	src.lockdown = true
	d, _ := policy.NewEngine(src).Evaluate(context.Background(), "agent-a", "read_file", "t1", nil)
	if d.Reason != "R2: restarting" {
		t.Fatalf("expected R2 to win over R1, got %+v", d)
	}
}
