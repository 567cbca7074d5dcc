package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/substrate/internal/config"
)

func writeHomeConfig(t *testing.T, yaml string) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	dir := filepath.Join(home, ".substrate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
}

func TestLoad_AgentRoster(t *testing.T) {
	writeHomeConfig(t, `
agents:
  - agent_id: researcher
    display_name: Researcher
    provider: google
    model: gemini-2.5-flash
    worker_count: 4
    capabilities: ["tools.web_search", "tools.read_url"]
  - agent_id: writer
    display_name: Writer
    provider: anthropic
    model: claude-sonnet-4-5-20250929
    worker_count: 4
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}

	researcher := cfg.Agents[0]
	if researcher.AgentID != "researcher" || researcher.Provider != "google" {
		t.Fatalf("unexpected first agent: %+v", researcher)
	}
	if len(researcher.Capabilities) != 2 || researcher.Capabilities[0] != "tools.web_search" {
		t.Fatalf("unexpected capabilities: %v", researcher.Capabilities)
	}

	writer := cfg.Agents[1]
	if writer.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("unexpected writer model: %q", writer.Model)
	}
	if len(writer.Capabilities) != 0 {
		t.Fatalf("writer should have no capabilities, got %v", writer.Capabilities)
	}
}

func TestLoad_StarterAgentsWhenRosterEmpty(t *testing.T) {
	writeHomeConfig(t, "{}\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Agents) == 0 {
		t.Fatal("empty roster should be populated with starter agents")
	}
	for _, a := range cfg.Agents {
		if a.AgentID == "" {
			t.Fatalf("starter agent missing id: %+v", a)
		}
	}
}

func TestLoad_DelegationHopsVsWorkerCount(t *testing.T) {
	writeHomeConfig(t, `
worker_count: 2
delegation_max_hops: 4
agents:
  - agent_id: solo
    worker_count: 2
`)

	if _, err := config.Load(); err == nil {
		t.Fatal("delegation_max_hops exceeding worker_count-1 must fail load")
	}
}

func TestLoad_DelegationDefaultApplied(t *testing.T) {
	writeHomeConfig(t, `
worker_count: 8
agents:
  - agent_id: solo
    worker_count: 8
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DelegationMaxHops != 2 {
		t.Fatalf("expected default delegation_max_hops=2, got %d", cfg.DelegationMaxHops)
	}
}
