package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"


	"github.com/basket/substrate/internal/eventlog"
	otelPkg "github.com/basket/substrate/internal/otel"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/pricing"
	"github.com/basket/substrate/internal/router"
	"github.com/basket/substrate/internal/toolruntime"
)

// StepResult is the discriminated outcome of one agent step.
type StepResult struct {
	Status    string `json:"status"` // replied, skipped, failed
	Reply     string `json:"reply,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Lane      string `json:"lane,omitempty"` // provider lane the reply came from
}

// Step runs one full agent turn for (trace, thread, actor). Errors that a
// user can do nothing about are converted into transcript text or an
// apology; a non-nil error return means the step itself could not run
// (store unavailable, thread missing) and the task layer should retry.
func (o *Orchestrator) Step(ctx context.Context, traceID, threadID, actorID string) (StepResult, error) {
	if actorID == "" {
		actorID = "main"
	}
	stepSpan := ids.NewSpan()

	stepStart := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "agent.step",
		otelPkg.AttrTraceID.String(traceID),
		otelPkg.AttrThreadID.String(threadID),
		otelPkg.AttrActorID.String(actorID))
	defer func() {
		span.End()
		if o.metrics != nil {
			o.metrics.StepDuration.Record(ctx, time.Since(stepStart).Seconds())
		}
	}()

	// Ingress check: a restarting system refuses new work outright.
	restarting, err := o.store.IsRestarting(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: check restarting: %w", err)
	}
	if restarting {
		o.emit(ctx, traceID, stepSpan, "", threadID, actorID, "agent.step.skipped", map[string]any{
			"reason": "restarting",
		})
		return StepResult{Status: "skipped"}, nil
	}

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: load thread: %w", err)
	}

	o.publish("agent.thinking", map[string]string{
		"trace_id":  traceID,
		"thread_id": thread.ID,
		"actor_id":  actorID,
	})

	// Command short-circuit: slash commands never reach the model.
	latest, err := o.store.LatestUserMessage(ctx, threadID)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: latest user message: %w", err)
	}
	if isCommand(latest) {
		reply := o.handleCommand(ctx, latest)
		return o.finishStep(ctx, traceID, stepSpan, threadID, actorID, reply, "command")
	}

	prompt, report, err := o.buildPrompt(ctx, threadID, latest)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: build prompt: %w", err)
	}
	o.emit(ctx, traceID, ids.NewSpan(), stepSpan, threadID, actorID, "prompt.build", map[string]any{
		"intent": "assemble model context under token budget",
		"result": map[string]any{"status": "ok"},
		"report": report.asPayload(),
	})

	// Best-effort pre-call state extraction; a failure here never blocks
	// the turn.
	if err := o.extractState(ctx, threadID); err != nil {
		o.logger.Warn("state extraction failed", "thread_id", threadID, "error", err)
	}

	tools := o.adverts()
	priority := o.priorityFor(actorID)
	messages := prompt.Messages

	var out router.GenerateOutput
	var lane string
	actions := 0
	for round := 0; ; round++ {
		runSpan := ids.NewSpan()
		o.emit(ctx, traceID, runSpan, stepSpan, threadID, actorID, "model.run.start", map[string]any{
			"intent": "generate assistant turn",
			"plan":   fmt.Sprintf("round %d", round),
		})
		var genErr error
		runStart := time.Now()
		out, lane, genErr = o.gen.Generate(ctx, router.GenerateInput{
			Messages: messages,
			System:   prompt.System,
			Tools:    tools,
			Priority: priority,
		})
		if o.metrics != nil {
			o.metrics.ModelRunDuration.Record(ctx, time.Since(runStart).Seconds())
			if total := out.Usage.PromptTokens + out.Usage.CompletionTokens; total > 0 {
				o.metrics.TokensUsed.Add(ctx, int64(total))
			}
		}
		if lane == "" {
			// Hard provider failure: capsule + bounded apology.
			o.emit(ctx, traceID, ids.NewSpan(), runSpan, threadID, actorID, "model.run.end", map[string]any{
				"result": map[string]any{"status": "error", "error": errText(genErr)},
			})
			return o.failStep(ctx, traceID, stepSpan, threadID, actorID, genErr)
		}
		o.emit(ctx, traceID, ids.NewSpan(), runSpan, threadID, actorID, "model.run.end", map[string]any{
			"result": map[string]any{
				"status":            "ok",
				"lane":              lane,
				"model":             out.Usage.Model,
				"prompt_tokens":     out.Usage.PromptTokens,
				"completion_tokens": out.Usage.CompletionTokens,
				"cost_usd":          pricing.EstimateCost(out.Usage.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens),
			},
		})
		if lane == "fallback" {
			o.emit(ctx, traceID, ids.NewSpan(), runSpan, threadID, actorID, "model.fallback", map[string]any{
				"evidence": []any{errText(genErr)},
				"result":   map[string]any{"status": "ok", "primary_error": errText(genErr)},
			})
		}

		if len(out.ToolCalls) == 0 || round >= o.cfg.MaxToolRounds {
			break
		}

		if out.Text != "" {
			messages = append(messages, router.Message{Role: "assistant", Content: out.Text})
		}
		for _, tc := range out.ToolCalls {
			if actions >= o.cfg.MaxToolRounds {
				break
			}
			actions++
			result := o.runToolCall(ctx, traceID, threadID, actorID, tc)
			messages = append(messages, router.Message{Role: "tool", Content: result})
			// The transcript keeps tool results so the next turn (and a
			// restarted step) sees what already ran.
			if _, err := o.store.AppendThreadMessage(ctx, threadID, "tool", result); err != nil {
				o.logger.Warn("persist tool result failed", "thread_id", threadID, "error", err)
			}
		}
	}

	reply := StripControlTokens(out.Text)
	if strings.TrimSpace(reply) == "" {
		reply = "(no reply)"
	}
	res, err := o.finishStep(ctx, traceID, stepSpan, threadID, actorID, reply, "model")
	res.Lane = lane
	return res, err
}

// runToolCall executes one requested tool and renders the outcome as the
// tool-result message fed back to the model. Policy denials become explicit
// refusals; tool failures become recoverable error results.
func (o *Orchestrator) runToolCall(ctx context.Context, traceID, threadID, actorID string, tc router.ToolCall) string {
	args := map[string]any{}
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return toolResultJSON(tc.Name, nil, fmt.Errorf("malformed arguments: %w", err), false)
		}
	}
	toolStart := time.Now()
	result, err := o.tools.Execute(ctx, tc.Name, args, actorID, traceID, threadID)
	if o.metrics != nil {
		o.metrics.ToolCallDuration.Record(ctx, time.Since(toolStart).Seconds())
		if err != nil {
			o.metrics.ToolCallErrors.Add(ctx, 1)
		}
	}
	if err != nil {
		var perr *toolruntime.PolicyError
		if errors.As(err, &perr) {
			return toolResultJSON(tc.Name, nil, perr, true)
		}
		return toolResultJSON(tc.Name, nil, err, false)
	}
	return toolResultJSON(tc.Name, result, nil, false)
}

func toolResultJSON(tool string, result any, err error, refusal bool) string {
	payload := map[string]any{"tool": tool}
	switch {
	case refusal:
		payload["refused"] = true
		payload["error"] = err.Error()
	case err != nil:
		payload["error"] = err.Error()
	default:
		payload["result"] = result
	}
	body, mErr := json.Marshal(payload)
	if mErr != nil {
		return fmt.Sprintf(`{"tool":%q,"error":"unencodable result"}`, tool)
	}
	return string(body)
}

// finishStep appends the assistant reply, queues outbound dispatch, and
// closes out the step's event pair.
func (o *Orchestrator) finishStep(ctx context.Context, traceID, stepSpan, threadID, actorID, reply, source string) (StepResult, error) {
	msg, err := o.store.AppendThreadMessage(ctx, threadID, "assistant", reply)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: append reply: %w", err)
	}
	o.enqueueOutbound(ctx, threadID, msg.ID, reply)

	o.emit(ctx, traceID, ids.NewSpan(), stepSpan, threadID, actorID, "agent.step.end", map[string]any{
		"intent": "complete agent turn",
		"result": map[string]any{"status": "ok", "source": source},
	})
	o.publish("agent.done", map[string]string{
		"trace_id":  traceID,
		"thread_id": threadID,
		"actor_id":  actorID,
		"status":    "ok",
	})
	return StepResult{Status: "replied", Reply: reply, MessageID: msg.ID}, nil
}

// failStep records a FailureCapsule for the trace and replies with a bounded
// apology referencing it, so support can look the failure up later.
func (o *Orchestrator) failStep(ctx context.Context, traceID, stepSpan, threadID, actorID string, cause error) (StepResult, error) {
	if _, err := o.store.InsertFailureCapsule(ctx, failureCapsule(traceID, cause)); err != nil {
		o.logger.Error("failure capsule write failed", "trace_id", traceID, "error", err)
	}
	apology := fmt.Sprintf(
		"I hit a problem generating a reply and could not recover. This incident is recorded under trace %s.", traceID)
	msg, err := o.store.AppendThreadMessage(ctx, threadID, "assistant", apology)
	if err != nil {
		return StepResult{}, fmt.Errorf("agent step: append apology: %w", err)
	}
	o.enqueueOutbound(ctx, threadID, msg.ID, apology)

	o.emit(ctx, traceID, ids.NewSpan(), stepSpan, threadID, actorID, "agent.step.end", map[string]any{
		"result": map[string]any{"status": "failed", "error": errText(cause)},
	})
	o.publish("agent.done", map[string]string{
		"trace_id":  traceID,
		"thread_id": threadID,
		"actor_id":  actorID,
		"status":    "failed",
	})
	return StepResult{Status: "failed", Reply: apology, MessageID: msg.ID}, nil
}

// enqueueOutbound queues a channel_dispatch task for the reply. Dispatch is
// fire-and-forget: a queue failure is logged, never surfaced to the user.
func (o *Orchestrator) enqueueOutbound(ctx context.Context, threadID, messageID, text string) {
	payload, err := json.Marshal(map[string]string{
		"kind":       "channel_dispatch",
		"thread_id":  threadID,
		"message_id": messageID,
		"text":       text,
	})
	if err != nil {
		return
	}
	if _, err := o.store.CreateTask(ctx, threadID, string(payload)); err != nil {
		o.logger.Warn("enqueue outbound dispatch failed", "thread_id", threadID, "error", err)
	}
}

func (o *Orchestrator) adverts() []router.ToolSpec {
	if o.catalog == nil {
		return nil
	}
	adverts := o.catalog.Adverts()
	specs := make([]router.ToolSpec, 0, len(adverts))
	for _, a := range adverts {
		specs = append(specs, router.ToolSpec{Name: a.Name, Description: a.Description, Schema: a.Schema})
	}
	return specs
}

func (o *Orchestrator) emit(ctx context.Context, traceID, spanID, parentSpanID, threadID, actorID, eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Emit(ctx, eventlog.EventInput{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		ThreadID:     threadID,
		EventType:    eventType,
		ActorID:      actorID,
		Payload:      payload,
	}); err != nil {
		o.logger.Warn("event emit failed", "event_type", eventType, "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T: %v", err, err)
}
