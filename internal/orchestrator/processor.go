package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/substrate/internal/persistence"
)

// taskPayload is the union of task kinds the processor understands. Kind
// selects the branch; unknown kinds fall through to the Fallback processor.
type taskPayload struct {
	Kind      string `json:"kind"`
	TraceID   string `json:"trace_id"`
	ThreadID  string `json:"thread_id"`
	ActorID   string `json:"actor_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// InnerProcessor matches engine.Processor without importing it.
type InnerProcessor interface {
	Process(ctx context.Context, task persistence.Task) (string, error)
}

// Processor adapts the orchestrator to the task runner: agent_step payloads
// run a full step, channel_dispatch payloads hand the reply to the outbound
// dispatcher, anything else goes to Fallback (when set).
type Processor struct {
	Orch *Orchestrator
	// Outbound delivers one reply; wired to the channel dispatcher. Nil
	// means outbound dispatch is disabled (tests, pure-CLI runs).
	Outbound func(ctx context.Context, threadID, messageID, text string)
	Fallback InnerProcessor
}

func (p *Processor) Process(ctx context.Context, task persistence.Task) (string, error) {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil || payload.Kind == "" {
		if p.Fallback != nil {
			return p.Fallback.Process(ctx, task)
		}
		return "", fmt.Errorf("process task %s: unrecognized payload", task.ID)
	}

	switch payload.Kind {
	case "agent_step":
		return p.processStep(ctx, task, payload)
	case "channel_dispatch":
		if p.Outbound != nil {
			p.Outbound(ctx, payload.ThreadID, payload.MessageID, payload.Text)
		}
		// Outbound dispatch never fails the task; the dispatcher emits its
		// own dead-letter evidence on exhaustion.
		return `{"status":"dispatched"}`, nil
	default:
		if p.Fallback != nil {
			return p.Fallback.Process(ctx, task)
		}
		return "", fmt.Errorf("process task %s: unknown kind %q", task.ID, payload.Kind)
	}
}

// processStep wraps Step in a checkpoint so a redelivered task (crash
// between completion and ack) never runs the same (thread, trace) twice.
func (p *Processor) processStep(ctx context.Context, task persistence.Task, payload taskPayload) (string, error) {
	if cp, err := p.Orch.store.LoadLoopCheckpoint(task.ID); err == nil && cp != nil && cp.Status == "completed" {
		return cp.Messages, nil
	}

	checkpoint := &persistence.LoopCheckpoint{
		LoopID:    payload.TraceID,
		TaskID:    task.ID,
		AgentID:   payload.ActorID,
		MaxSteps:  1,
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := p.Orch.store.SaveLoopCheckpoint(checkpoint); err != nil {
		p.Orch.logger.Warn("checkpoint save failed", "task_id", task.ID, "error", err)
	}

	result, err := p.Orch.Step(ctx, payload.TraceID, payload.ThreadID, payload.ActorID)
	if err != nil {
		checkpoint.Status = "failed"
		_ = p.Orch.store.SaveLoopCheckpoint(checkpoint)
		return "", err
	}

	body, mErr := json.Marshal(result)
	if mErr != nil {
		return "", fmt.Errorf("encode step result: %w", mErr)
	}
	checkpoint.Status = "completed"
	checkpoint.CurrentStep = 1
	checkpoint.Messages = string(body)
	_ = p.Orch.store.SaveLoopCheckpoint(checkpoint)
	return string(body), nil
}
