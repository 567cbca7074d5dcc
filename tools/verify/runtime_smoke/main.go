// Command runtime_smoke drives one full in-process turn against a fresh
// store with a stub model: user message in, policy-checked tool call,
// assistant reply out, matched tool.call.start/end evidence. It is the
// cheapest proof the substrate's core path still works end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/memory"
	"github.com/basket/substrate/internal/orchestrator"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/policy"
	"github.com/basket/substrate/internal/router"
	"github.com/basket/substrate/internal/toolruntime"
)

// stubGen answers every prompt with one echo tool call, then a fixed reply.
type stubGen struct{ calls int }

func (g *stubGen) Generate(ctx context.Context, in router.GenerateInput) (router.GenerateOutput, string, error) {
	g.calls++
	if g.calls == 1 {
		return router.GenerateOutput{ToolCalls: []router.ToolCall{{Name: "echo", Arguments: []byte(`{"ping":"pong"}`)}}}, "primary", nil
	}
	return router.GenerateOutput{Text: "smoke reply"}, "primary", nil
}

func (g *stubGen) HealthCheck(ctx context.Context) router.HealthStatus {
	return router.HealthStatus{Primary: true}
}

type policySource struct {
	*persistence.Store
	*persistence.RegisteredTools
}

func fail(step string, err error) {
	fmt.Printf("%s=FAIL error=%v\n", step, err)
	os.Exit(1)
}

func main() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "substrate-smoke-*")
	if err != nil {
		fail("mktemp", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "smoke.db"), nil)
	if err != nil {
		fail("open_store", err)
	}
	defer store.Close()
	fmt.Println("open_store=ok")

	events := eventlog.New(store, memory.HashEmbedder{})
	registered := persistence.NewRegisteredTools()
	engine := policy.NewEngine(policySource{store, registered})
	rt := toolruntime.New(engine, events)

	if err := rt.Register("echo", "echo arguments back", policy.RiskLow, []byte(`{"type":"object"}`), func(ctx context.Context, args map[string]any) (any, error) {
		return args, nil
	}); err != nil {
		fail("register_tool", err)
	}
	registered.Register("echo", policy.RiskLow)
	if err := store.GrantPermission(ctx, "main", "*"); err != nil {
		fail("grant", err)
	}

	gen := &stubGen{}
	orch := orchestrator.New(store, events, gen, rt, rt, nil, nil, orchestrator.Config{})

	if err := store.EnsureUser(ctx, "smoke", "Smoke"); err != nil {
		fail("ensure_user", err)
	}
	if err := store.EnsureChannel(ctx, "cli", "cli"); err != nil {
		fail("ensure_channel", err)
	}
	thread, err := store.EnsureOpenThread(ctx, "smoke", "cli")
	if err != nil {
		fail("ensure_thread", err)
	}
	if _, err := store.AppendThreadMessage(ctx, thread.ID, "user", "ping the echo tool"); err != nil {
		fail("append_message", err)
	}

	result, err := orch.Step(ctx, "trc_smoke", thread.ID, "main")
	if err != nil {
		fail("agent_step", err)
	}
	if result.Status != "replied" || result.Reply != "smoke reply" {
		fail("agent_step", fmt.Errorf("unexpected result %+v", result))
	}
	fmt.Println("agent_step=ok")

	starts, err := store.CountEventsByTypeAndTrace(ctx, "trc_smoke", "tool.call.start")
	if err != nil {
		fail("count_starts", err)
	}
	ends, err := store.CountEventsByTypeAndTrace(ctx, "trc_smoke", "tool.call.end")
	if err != nil {
		fail("count_ends", err)
	}
	if starts != 1 || ends != 1 {
		fail("tool_call_pairing", fmt.Errorf("starts=%d ends=%d", starts, ends))
	}
	fmt.Println("tool_call_pairing=ok")

	steps, err := store.CountEventsByTypeAndTrace(ctx, "trc_smoke", "agent.step.end")
	if err != nil || steps != 1 {
		fail("step_end", fmt.Errorf("count=%d err=%v", steps, err))
	}
	fmt.Println("step_end=ok")
	fmt.Println("runtime_smoke=PASS")
}
