package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/substrate/internal/audit"
	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/channels"
	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/engine"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/memory"
	"github.com/basket/substrate/internal/orchestrator"
	otelPkg "github.com/basket/substrate/internal/otel"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/policy"
	"github.com/basket/substrate/internal/router"
	"github.com/basket/substrate/internal/scheduler"
	"github.com/basket/substrate/internal/shared"
	"github.com/basket/substrate/internal/telemetry"
	"github.com/basket/substrate/internal/toolruntime"
	"github.com/basket/substrate/internal/tools"
	"github.com/basket/substrate/internal/cron"
)

// appRuntime is everything a subcommand needs, wired once. Close tears it
// down in reverse dependency order.
type appRuntime struct {
	cfg    config.Config
	env    config.Runtime
	logger *slog.Logger

	store      *persistence.Store
	bus        *bus.Bus
	events     *eventlog.Log
	livePolicy *policy.LivePolicy
	policyEng  *policy.Engine
	registered *persistence.RegisteredTools
	toolRT     *toolruntime.Runtime
	router     *router.Router
	orch       *orchestrator.Orchestrator
	dispatcher *channels.Dispatcher
	processor  *orchestrator.Processor
	engine     *engine.Engine
	evaluator  *scheduler.Evaluator
	schedRun   *scheduler.Runner
	periodic   *cron.PeriodicRunner
	otel       *otelPkg.Provider

	logCloser io.Closer
}

// policySource answers the policy engine's questions from the store plus
// the in-memory tool registry.
type policySource struct {
	*persistence.Store
	*persistence.RegisteredTools
}

// buildRuntime wires the full substrate: store, event log, policy, tool
// runtime, provider router, orchestrator, task engine, schedulers, and the
// outbound dispatcher. quiet keeps logs out of the terminal for REPL use.
func buildRuntime(ctx context.Context, quiet bool) (*appRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	env, err := config.LoadRuntime()
	if err != nil {
		return nil, fmt.Errorf("load runtime config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)

	dbPath := env.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	events := eventlog.New(store, memory.HashEmbedder{})

	// Capability policy (URL/path allowlists for web and file tools) stays
	// YAML-backed and hot-reloadable; the R1-R8 engine layers on top.
	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	livePolicy := policy.NewLivePolicy(polData, policyPath)

	registered := persistence.NewRegisteredTools()
	policyEng := policy.NewEngine(policySource{store, registered})
	toolRT := toolruntime.New(policyEng, events)

	rtr := buildRouter(ctx, cfg, env)

	orch := orchestrator.New(store, events, rtr, toolRT, toolRT, eventBus, logger, orchestrator.Config{
		TokenBudget:   8000,
		MaxToolRounds: 6,
		Persona:       cfg.SOUL,
	})

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     os.Getenv("OTEL_ENABLED") == "1",
		Exporter:    os.Getenv("OTEL_EXPORTER"),
		Endpoint:    os.Getenv("OTEL_ENDPOINT"),
		ServiceName: "substrate",
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if metrics, mErr := otelPkg.NewMetrics(otelProvider.Meter); mErr == nil {
		orch.SetTelemetry(otelProvider.Tracer, metrics)
	} else {
		orch.SetTelemetry(otelProvider.Tracer, nil)
	}

	if err := registerBuiltinTools(ctx, toolRT, registered, orch, store, events, livePolicy, cfg, env); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if err := seedGovernance(ctx, store); err != nil {
		return nil, fmt.Errorf("seed governance: %w", err)
	}

	dispatcher := channels.NewDispatcher(store, events, logger)

	processor := &orchestrator.Processor{
		Orch: orch,
		Outbound: func(ctx context.Context, threadID, messageID, text string) {
			dispatcher.Send(ctx, threadID, messageID, text)
		},
	}

	eng := engine.New(store, processor, engine.Config{
		WorkerCount:   env.TaskRunnerMaxConcurrent,
		TaskTimeout:   time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		MaxQueueDepth: cfg.MaxQueueDepth,
		Bus:           eventBus,
	})

	evaluator := scheduler.NewEvaluator(store, events, logger, env.SchedulerMaxCatchup)
	evaluator.Dispatch = scheduler.NewAgentStepDispatcher(store)
	schedRun := scheduler.NewRunner(evaluator, logger, time.Minute)

	periodic := cron.NewPeriodicRunner(logger, func(ctx context.Context, name string, kwargs map[string]any) error {
		return runMaintenanceJob(ctx, name, kwargs, store, cfg, env, logger)
	})
	periodic.Register("retention_sweep", 6*time.Hour, nil, time.Time{})
	periodic.Register("loop_checkpoint_gc", time.Hour, nil, time.Time{})
	periodic.Register("thread_compaction", 30*time.Minute, nil, time.Time{})

	return &appRuntime{
		cfg:        cfg,
		env:        env,
		logger:     logger,
		store:      store,
		bus:        eventBus,
		events:     events,
		livePolicy: livePolicy,
		policyEng:  policyEng,
		registered: registered,
		toolRT:     toolRT,
		router:     rtr,
		orch:       orch,
		dispatcher: dispatcher,
		processor:  processor,
		engine:     eng,
		evaluator:  evaluator,
		schedRun:   schedRun,
		periodic:   periodic,
		otel:       otelProvider,
		logCloser:  logCloser,
	}, nil
}

func (a *appRuntime) Close() {
	a.periodic.Shutdown()
	a.schedRun.Shutdown()
	a.engine.Drain(a.env.TaskRunnerShutdownTimeout)
	if a.otel != nil {
		_ = a.otel.Shutdown(context.Background())
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	_ = audit.Close()
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// buildRouter assembles the two provider lanes from config. The primary
// lane follows the configured provider; the fallback lane is the first
// entry of fallback_providers, when present.
func buildRouter(ctx context.Context, cfg config.Config, env config.Runtime) *router.Router {
	provider, model, apiKey := cfg.ResolveLLMConfig()
	primary := router.NewGenkitBrain(ctx, "primary", router.GenkitConfig{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	var fallback router.Brain
	if len(cfg.LLM.FallbackProviders) > 0 {
		fbProvider := cfg.LLM.FallbackProviders[0]
		fallback = router.NewGenkitBrain(ctx, "fallback", router.GenkitConfig{
			Provider: fbProvider,
			APIKey:   cfg.LLMProviderAPIKey(fbProvider),
		})
	}

	return router.New(primary, fallback, router.RouterConfig{
		BrokerQueueURL:      os.Getenv("BROKER_MGMT_URL"),
		QueueThresholdLocal: env.QueueThresholdLocalLLM,
		BreakerThreshold:    cfg.LLM.FailoverThreshold,
		BreakerCooldown:     time.Duration(cfg.LLM.FailoverCooldownSeconds) * time.Second,
	})
}

// registerBuiltinTools populates the tool runtime and mirrors every
// registration into the policy engine's tool-spec registry.
func registerBuiltinTools(ctx context.Context, rt *toolruntime.Runtime, registered *persistence.RegisteredTools,
	orch *orchestrator.Orchestrator, store *persistence.Store, events *eventlog.Log,
	livePolicy *policy.LivePolicy, cfg config.Config, env config.Runtime) error {

	webTools := tools.NewRegistry(livePolicy, cfg.APIKeys, cfg.PreferredSearch, store)

	// Shell execution runs in an ephemeral container when configured; a
	// missing docker daemon degrades to the host executor with a warning.
	if cfg.Tools.Shell.Sandbox {
		sandbox, err := tools.NewDockerSandbox(
			cfg.Tools.Shell.SandboxImage,
			cfg.Tools.Shell.SandboxMemory,
			cfg.Tools.Shell.SandboxNetwork,
			filepath.Join(cfg.HomeDir, "workspace"),
		)
		if err != nil {
			slog.Warn("docker sandbox unavailable; shell runs on host", "error", err)
		} else {
			webTools.ShellExecutor = sandbox
		}
	}

	type toolDef struct {
		name        string
		description string
		risk        policy.RiskTier
		schema      json.RawMessage
		handler     toolruntime.Handler
	}

	gov := memory.WriteGovernance{
		SecretScanEnabled: env.MemorySecretScanEnabled,
		PIIRedactMode:     env.MemoryPIIRedactMode,
	}

	defs := []toolDef{
		{
			name:        "echo",
			description: "Echo the arguments back, for wiring checks.",
			risk:        policy.RiskLow,
			schema:      json.RawMessage(`{"type":"object"}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		},
		{
			name:        "session_send",
			description: "Send a message to another agent and queue a worker step for it.",
			risk:        policy.RiskMedium,
			schema:      orchestrator.SessionSendSchema,
			handler:     orch.SessionSendHandler(),
		},
		{
			name:        "session_list",
			description: "List known sessions.",
			risk:        policy.RiskLow,
			schema:      orchestrator.SessionListSchema,
			handler:     orch.SessionListHandler(),
		},
		{
			name:        "session_history",
			description: "Read the recent messages of a thread.",
			risk:        policy.RiskLow,
			schema:      orchestrator.SessionHistorySchema,
			handler:     orch.SessionHistoryHandler(),
		},
		{
			name:        "memory_write",
			description: "Store a fact in this thread's long-term memory.",
			risk:        policy.RiskLow,
			schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				text, _ := args["text"].(string)
				id, err := memory.Write(ctx, events, shared.ThreadID(ctx), text, nil, gov)
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			},
		},
		{
			name:        "memory_search",
			description: "Search this thread's memory for relevant chunks.",
			risk:        policy.RiskLow,
			schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				limit := 5
				if v, ok := args["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}
				results, err := memory.Search(ctx, store, shared.ThreadID(ctx), query, limit, 1.0, 1.0, 0.5)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(results))
				for _, r := range results {
					text, _ := store.EventText(ctx, r.ID)
					out = append(out, map[string]any{"id": r.ID, "score": r.Score, "text": text})
				}
				return map[string]any{"results": out}, nil
			},
		},
		{
			name:        "host_exec",
			description: "Execute a shell command on the host with a hard timeout.",
			risk:        policy.RiskHigh,
			schema:      json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"},"timeout_s":{"type":"integer"}},"required":["command"]}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				command, _ := args["command"].(string)
				cwd, _ := args["cwd"].(string)

				// Privilege escalation needs a live operator approval for
				// this exact command; absent one, fail closed and ask.
				if strings.HasPrefix(strings.TrimSpace(command), "sudo ") || strings.TrimSpace(command) == "sudo" {
					consumed, err := store.ConsumeApproval(ctx, "host.exec.sudo", command)
					if err != nil {
						return nil, err
					}
					if !consumed {
						if b := store.Bus(); b != nil {
							b.Publish(bus.TopicApprovalRequested, bus.ApprovalRequest{
								RequestID:  ids.NewApproval(),
								Capability: "host.exec.sudo",
								Resource:   command,
								Prompt:     fmt.Sprintf("Agent requests privileged command: %s", command),
							})
						}
						return nil, fmt.Errorf("host.exec.sudo requires operator approval; request sent")
					}
				}

				timeout := 120 * time.Second
				if v, ok := args["timeout_s"].(float64); ok && v > 0 {
					timeout = time.Duration(v) * time.Second
				}
				execCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				executor := &tools.HostExecutor{}
				stdout, stderr, exitCode, err := executor.Exec(execCtx, command, cwd)
				timedOut := execCtx.Err() == context.DeadlineExceeded
				failed := err != nil || timedOut || exitCode != 0
				if tripped, recErr := store.RecordExecHostFailure(ctx, failed, env.LockdownExecHostFailThreshold); recErr == nil && tripped {
					slog.Warn("exec-host failure threshold reached; lockdown engaged")
				}
				if err != nil && !timedOut {
					return nil, err
				}
				return map[string]any{
					"stdout":    stdout,
					"stderr":    stderr,
					"exit_code": exitCode,
					"timed_out": timedOut,
				}, nil
			},
		},
		{
			name:        "web_search",
			description: "Search the web.",
			risk:        policy.RiskMedium,
			schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				return webTools.Search(ctx, query)
			},
		},
		{
			name:        "web_read",
			description: "Fetch and extract the readable content of a URL.",
			risk:        policy.RiskMedium,
			schema:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				rawURL, _ := args["url"].(string)
				return webTools.Read(ctx, rawURL)
			},
		},
	}

	for _, d := range defs {
		if err := rt.Register(d.name, d.description, d.risk, d.schema, d.handler); err != nil {
			return err
		}
		registered.Register(d.name, d.risk)
	}
	return nil
}

// seedGovernance grants the main agent its defaults on first run. Grants
// are idempotent, so re-running at every startup is harmless.
func seedGovernance(ctx context.Context, store *persistence.Store) error {
	if err := store.GrantPermission(ctx, "main", "*"); err != nil {
		return err
	}
	return store.SetGovernance(ctx, "main", policy.Governance{
		RiskTier:          policy.RiskMedium,
		MaxActionsPerStep: 16,
	})
}

// runMaintenanceJob is the periodic runner's dispatch target.
func runMaintenanceJob(ctx context.Context, name string, _ map[string]any,
	store *persistence.Store, cfg config.Config, env config.Runtime, logger *slog.Logger) error {
	switch name {
	case "retention_sweep":
		if _, err := store.RunRetention(ctx, cfg.RetentionTaskEventsDays, cfg.RetentionAuditLogDays, cfg.RetentionMessagesDays); err != nil {
			return err
		}
		cutoff := time.Now().AddDate(0, 0, -env.EventRetentionDays)
		if env.EventRetentionDays > 0 {
			if _, err := store.PruneEventsOlderThan(ctx, cutoff); err != nil {
				return err
			}
		}
		_, err := store.ExpireApprovals(ctx)
		return err
	case "loop_checkpoint_gc":
		_, err := store.CleanupCompletedLoops(24 * time.Hour)
		return err
	case "thread_compaction":
		_, err := memory.PeriodicCompaction(ctx, store, nil)
		return err
	default:
		logger.Warn("unknown maintenance job", "name", name)
		return nil
	}
}
