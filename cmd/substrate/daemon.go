package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/substrate/internal/agent"
	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/channels"
	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/engine"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/policy"
	"github.com/basket/substrate/internal/sandbox/wasm"
	"github.com/basket/substrate/internal/skills"
)

// runDaemonCommand runs the full runtime in the foreground: task engine,
// schedule evaluator, periodic maintenance, and any enabled channel
// adapters. Blocks until the context is canceled.
func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	app, err := buildRuntime(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		return exitUsage
	}
	defer app.Close()

	logger := app.logger
	logger.Info("daemon starting", "version", Version, "db", app.env.DBPath, "env", app.env.Env)

	// Crash recovery first: requeue anything a previous process left
	// mid-flight before workers start claiming.
	if metrics, err := app.store.RecoverRunningTasksTimed(ctx); err != nil {
		logger.Error("task recovery failed", "error", err)
	} else if metrics.RecoveredCount > 0 {
		logger.Info("recovered interrupted tasks", "count", metrics.RecoveredCount)
	}

	// WASM sandbox host for medium-risk skill tools; skills hot-load from
	// the user skills directory.
	var wasmHost *wasm.Host
	wasmHost, err = wasm.NewHost(ctx, wasm.Config{
		Store:  app.store,
		Policy: app.livePolicy,
		Logger: logger,
	})
	if err != nil {
		logger.Error("wasm host init failed", "error", err)
		wasmHost = nil
	} else {
		defer wasmHost.Close(ctx)
		userSkillsDir := filepath.Join(app.cfg.HomeDir, "skills")
		wasmWatcher := wasm.NewWatcher(userSkillsDir, wasmHost, logger)
		if err := wasmWatcher.Start(ctx); err != nil {
			logger.Warn("wasm skill watcher failed", "error", err)
		}
		loader := skills.NewLoader(filepath.Join(app.cfg.HomeDir, "workspace", "skills"), userSkillsDir, "", logger)
		if loaded, err := loader.LoadAll(ctx); err == nil {
			logger.Info("skills loaded", "count", len(loaded))
		}
	}

	app.engine.Start(ctx)
	app.schedRun.Start(ctx)
	app.periodic.Start(ctx)

	// Approval bridge: channel adapters publish operator resolutions of
	// privileged-operation requests; an approving resolution becomes a
	// durable single-use approvals row the gated tool then consumes.
	go runApprovalBridge(ctx, app, logger)

	// Hot reload: watch the operator-editable files; policy.yaml edits swap
	// the live allowlists without a restart (invalid files keep the old
	// policy active).
	watcher := config.NewWatcher(app.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) != "policy.yaml" {
					continue
				}
				if err := policy.ReloadFromFile(app.livePolicy, ev.Path); err != nil {
					logger.Warn("policy reload rejected", "error", err)
				} else {
					logger.Info("policy reloaded", "version", app.livePolicy.PolicyVersion())
				}
			}
		}()
	}

	// Periodic self-review: if the operator keeps a HEARTBEAT.md checklist in
	// the workspace, run it through the main agent on a fixed cadence.
	heartbeat := engine.NewHeartbeatManager(
		&stepTaskRouter{store: app.store, channelType: "system"},
		app.store, app.cfg.HomeDir, app.cfg.HeartbeatIntervalMinutes, logger)
	heartbeat.Start(ctx)

	// Named worker agents run their own engines with genkit-backed brains;
	// anything persisted from a previous run comes back up with us.
	registry := agent.NewRegistry(app.store, app.bus, app.livePolicy, wasmHost, app.cfg.APIKeys)
	if err := registry.RestorePersistedAgents(ctx); err != nil {
		logger.Warn("agent restore failed", "error", err)
	}
	defer registry.DrainAll(5 * time.Second)

	if app.cfg.Channels.Telegram.Enabled && app.cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			app.cfg.Channels.Telegram.Token,
			app.cfg.Channels.Telegram.AllowedIDs,
			&stepTaskRouter{store: app.store, channelType: "telegram"},
			app.store,
			logger,
			app.bus,
		)
		app.dispatcher.Register(tg)
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	logger.Info("daemon ready", "workers", app.env.TaskRunnerMaxConcurrent)
	<-ctx.Done()
	logger.Info("daemon shutting down")
	return exitOK
}

// runApprovalBridge tracks pending approval requests and writes an
// approvals row when the operator approves one. Rejections just drop the
// pending entry; the requesting tool call has already failed closed.
func runApprovalBridge(ctx context.Context, app *appRuntime, logger *slog.Logger) {
	sub := app.bus.Subscribe("approval.")
	defer app.bus.Unsubscribe(sub)

	pending := make(map[string]bus.ApprovalRequest)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.ApprovalRequest:
				pending[payload.RequestID] = payload
			case bus.ApprovalResponse:
				req, ok := pending[payload.RequestID]
				if !ok {
					continue
				}
				delete(pending, payload.RequestID)
				if payload.Action != "approve" {
					logger.Info("approval rejected", "capability", req.Capability, "reason", payload.Reason)
					continue
				}
				if _, err := app.store.CreateApproval(ctx, req.Capability, req.Resource, app.env.ApprovalTTL); err != nil {
					logger.Error("approval grant failed", "capability", req.Capability, "error", err)
					continue
				}
				logger.Info("approval granted", "capability", req.Capability, "resource", req.Resource)
			}
		}
	}
}

// stepTaskRouter adapts inbound channel messages to agent_step tasks: the
// message lands in the sender's open thread and one step is queued.
type stepTaskRouter struct {
	store       *persistence.Store
	channelType string
}

var _ engine.ChatTaskRouter = (*stepTaskRouter)(nil)

func (r *stepTaskRouter) CreateChatTask(ctx context.Context, agentID, sessionID, content string) (string, error) {
	userID := sessionID
	if err := r.store.EnsureUser(ctx, userID, userID); err != nil {
		return "", err
	}
	if err := r.store.EnsureChannel(ctx, r.channelType, r.channelType); err != nil {
		return "", err
	}
	thread, err := r.store.EnsureOpenThread(ctx, userID, r.channelType)
	if err != nil {
		return "", err
	}
	if _, err := r.store.AppendThreadMessage(ctx, thread.ID, "user", content); err != nil {
		return "", err
	}
	if agentID == "" {
		agentID = "main"
	}
	payload, err := json.Marshal(map[string]string{
		"kind":      "agent_step",
		"trace_id":  ids.NewTrace(),
		"thread_id": thread.ID,
		"actor_id":  agentID,
	})
	if err != nil {
		return "", err
	}
	return r.store.CreateTask(ctx, thread.ID, string(payload))
}
