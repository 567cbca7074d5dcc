package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/shared"
)

// Session tool schemas, declared where the handlers live so registration
// sites can't drift from the argument shapes the handlers expect.
var (
	SessionSendSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"to_agent_id": {"type": "string"},
			"message": {"type": "string"}
		},
		"required": ["to_agent_id", "message"]
	}`)
	SessionHistorySchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"thread_id": {"type": "string"},
			"limit": {"type": "integer"}
		},
		"required": ["thread_id"]
	}`)
	SessionListSchema = json.RawMessage(`{"type": "object", "properties": {}}`)
)

// SessionSendHandler returns the session_send tool: deliver a message to
// another agent's mailbox, route it into that agent's working thread, and
// queue a worker step so the target actually processes it.
func (o *Orchestrator) SessionSendHandler() func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		toAgent, _ := args["to_agent_id"].(string)
		message, _ := args["message"].(string)
		toAgent = strings.TrimSpace(toAgent)
		if toAgent == "" || strings.TrimSpace(message) == "" {
			return nil, fmt.Errorf("session_send: to_agent_id and message must be non-empty")
		}
		fromAgent := shared.AgentID(ctx)
		if fromAgent == "" {
			fromAgent = "main"
		}
		if fromAgent == toAgent {
			return nil, fmt.Errorf("session_send: cannot send a message to yourself")
		}
		traceID := shared.TraceID(ctx)

		if err := o.store.SendAgentMessage(ctx, fromAgent, toAgent, message); err != nil {
			return nil, fmt.Errorf("session_send: %w", err)
		}

		threadID, err := o.agentWorkThread(ctx, toAgent)
		if err != nil {
			return nil, fmt.Errorf("session_send: target thread: %w", err)
		}
		routed := fmt.Sprintf("[from %s] %s", fromAgent, message)
		if _, err := o.store.AppendThreadMessage(ctx, threadID, "agent", routed); err != nil {
			return nil, fmt.Errorf("session_send: route message: %w", err)
		}

		workerTrace := ids.NewTrace()
		o.emit(ctx, traceID, ids.NewSpan(), "", threadID, fromAgent, "agent.delegate", map[string]any{
			"intent": "delegate to worker agent",
			"result": map[string]any{"status": "queued", "to_agent": toAgent, "worker_trace": workerTrace},
		})
		o.emit(ctx, traceID, ids.NewSpan(), "", threadID, fromAgent, "agent.message", map[string]any{
			"intent": "inter-agent message",
			"result": map[string]any{"status": "sent", "to_agent": toAgent},
		})
		o.publish("agent.message", map[string]string{
			"from_agent": fromAgent,
			"to_agent":   toAgent,
			"thread_id":  threadID,
		})

		payload, err := json.Marshal(map[string]string{
			"kind":      "agent_step",
			"trace_id":  workerTrace,
			"thread_id": threadID,
			"actor_id":  toAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("session_send: encode step payload: %w", err)
		}
		if _, err := o.store.CreateTask(ctx, threadID, string(payload)); err != nil {
			return nil, fmt.Errorf("session_send: queue worker step: %w", err)
		}
		return map[string]any{"status": "sent", "to_agent": toAgent, "thread_id": threadID}, nil
	}
}

// agentWorkThread finds or creates the target agent's working thread. Each
// worker agent gets one durable thread of its own, reused across
// delegations, owned by a synthetic agent user on the internal channel.
func (o *Orchestrator) agentWorkThread(ctx context.Context, agentID string) (string, error) {
	key := "agent_thread:" + agentID
	if id, kvErr := o.store.KVGet(ctx, key); kvErr == nil && id != "" {
		if _, getErr := o.store.GetThread(ctx, id); getErr == nil {
			return id, nil
		}
	}
	userID := "agent:" + agentID
	if err := o.store.EnsureUser(ctx, userID, agentID); err != nil {
		return "", err
	}
	if err := o.store.EnsureChannel(ctx, "internal", "internal"); err != nil {
		return "", err
	}
	th, err := o.store.CreateIsolatedThread(ctx, userID, "internal")
	if err != nil {
		return "", err
	}
	if err := o.store.KVSet(ctx, key, th.ID); err != nil {
		return "", err
	}
	return th.ID, nil
}

// SessionListHandler returns the session_list tool: enumerate known
// sessions, newest first.
func (o *Orchestrator) SessionListHandler() func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		sessions, err := o.store.ListSessions(ctx, 50)
		if err != nil {
			return nil, fmt.Errorf("session_list: %w", err)
		}
		out := make([]map[string]any, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, map[string]any{"id": s.ID, "created_at": s.CreatedAt})
		}
		return map[string]any{"sessions": out}, nil
	}
}

// SessionHistoryHandler returns the session_history tool: read a thread's
// recent messages.
func (o *Orchestrator) SessionHistoryHandler() func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		threadID, _ := args["thread_id"].(string)
		if threadID == "" {
			return nil, fmt.Errorf("session_history: thread_id must be non-empty")
		}
		limit := 20
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		msgs, err := o.store.ListThreadTail(ctx, threadID, limit)
		if err != nil {
			return nil, fmt.Errorf("session_history: %w", err)
		}
		out := make([]map[string]any, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, map[string]any{"role": m.Role, "content": m.Content, "created_at": m.CreatedAt})
		}
		return map[string]any{"thread_id": threadID, "messages": out}, nil
	}
}
