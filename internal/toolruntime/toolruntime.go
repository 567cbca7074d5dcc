// Package toolruntime decouples tool dispatch from genkit's DefineTool
// wiring so the audited, traced, policy-checked call sequence can be
// invoked directly by the orchestrator's tool loop (and by tests) without
// round-tripping an LLM call.
package toolruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/policy"
	"github.com/basket/substrate/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler is what a registered tool actually does. Arguments have already
// passed JSON-schema validation by the time Handler runs.
type Handler func(ctx context.Context, arguments map[string]any) (any, error)

// PolicyError is raised for both the R3 unknown-tool path and any R1/R4-R8
// deny — the runtime doesn't distinguish them at the error-type level since
// both emit the same tool.call.start/end pair and carry the rule string.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy: " + e.Reason }

// ToolError wraps a handler failure so callers can distinguish "tool ran
// and failed" from "tool was never allowed to run".
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

type registeredTool struct {
	handler     Handler
	schema      *jsonschema.Schema
	schemaJSON  json.RawMessage
	description string
	risk        policy.RiskTier
}

// Advert is what a registered tool looks like from the model's side: name,
// human description, and the declared argument schema.
type Advert struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Runtime holds the tool registry, the policy engine, and the event log
// emitter every call threads through.
type Runtime struct {
	tools  map[string]registeredTool
	engine *policy.Engine
	events *eventlog.Log
}

func New(engine *policy.Engine, events *eventlog.Log) *Runtime {
	return &Runtime{tools: map[string]registeredTool{}, engine: engine, events: events}
}

// Register adds a tool to the runtime. schemaJSON may be nil to skip
// argument validation (rarely appropriate — most tools should supply one).
func (r *Runtime) Register(name, description string, risk policy.RiskTier, schemaJSON json.RawMessage, handler Handler) error {
	var schema *jsonschema.Schema
	if len(schemaJSON) > 0 {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
		if err != nil {
			return fmt.Errorf("register tool %s: unmarshal schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", doc); err != nil {
			return fmt.Errorf("register tool %s: add schema resource: %w", name, err)
		}
		schema, err = c.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("register tool %s: compile schema: %w", name, err)
		}
	}
	r.tools[name] = registeredTool{handler: handler, schema: schema, schemaJSON: schemaJSON, description: description, risk: risk}
	return nil
}

// Adverts lists every registered tool in a stable name order, for
// advertising to the model.
func (r *Runtime) Adverts() []Advert {
	out := make([]Advert, 0, len(r.tools))
	for name, t := range r.tools {
		out = append(out, Advert{Name: name, Description: t.description, Schema: t.schemaJSON})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists every registered tool, used to seed policy.Source.ToolSpec.
func (r *Runtime) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute runs the full call sequence: allocate a span, emit tool.call.start,
// consult policy, run the handler on allow, and always emit a matching
// tool.call.end — including the unregistered-tool and policy-deny paths,
// so every start has a matching end regardless of outcome.
func (r *Runtime) Execute(ctx context.Context, toolName string, arguments map[string]any, callerID, traceID, threadID string) (any, error) {
	spanID := ids.NewSpan()

	if _, err := r.events.Emit(ctx, eventlog.EventInput{
		TraceID: traceID, SpanID: spanID, ThreadID: threadID,
		EventType: "tool.call.start", ActorID: callerID,
		Payload: map[string]any{"tool": toolName, "arguments": arguments},
	}); err != nil {
		return nil, fmt.Errorf("execute %s: emit start: %w", toolName, err)
	}

	tool, known := r.tools[toolName]

	if !known {
		return nil, r.denyAndEnd(ctx, toolName, spanID, traceID, threadID, callerID, "R3: unknown tool")
	}

	decision, err := r.engine.Evaluate(ctx, callerID, toolName, traceID, arguments)
	if err != nil {
		return nil, fmt.Errorf("execute %s: policy evaluate: %w", toolName, err)
	}
	if _, emitErr := r.events.Emit(ctx, eventlog.EventInput{
		TraceID: traceID, SpanID: ids.NewSpan(), ParentSpanID: spanID, ThreadID: threadID,
		EventType: "policy.decision", ActorID: callerID,
		Payload: map[string]any{"tool": toolName, "reason": decision.Reason},
	}); emitErr != nil {
		return nil, fmt.Errorf("execute %s: emit policy decision: %w", toolName, emitErr)
	}
	if !decision.Allowed {
		return nil, r.endWithError(ctx, toolName, spanID, traceID, threadID, callerID, &PolicyError{Reason: decision.Reason})
	}

	if tool.schema != nil {
		if err := validateArguments(tool.schema, arguments); err != nil {
			return nil, r.endWithError(ctx, toolName, spanID, traceID, threadID, callerID, fmt.Errorf("invalid arguments: %w", err))
		}
	}

	// The handler sees the call's identity through the context, not extra
	// parameters, so handlers stay plain (ctx, args) functions.
	handlerCtx := shared.WithAgentID(shared.WithThreadID(shared.WithTraceID(ctx, traceID), threadID), callerID)
	result, err := tool.handler(handlerCtx, arguments)
	if err != nil {
		return nil, r.endWithError(ctx, toolName, spanID, traceID, threadID, callerID, &ToolError{Tool: toolName, Err: err})
	}

	if _, emitErr := r.events.Emit(ctx, eventlog.EventInput{
		TraceID: traceID, SpanID: ids.NewSpan(), ParentSpanID: spanID, ThreadID: threadID,
		EventType: "tool.call.end", ActorID: callerID,
		Payload: map[string]any{"tool": toolName, "result": result},
	}); emitErr != nil {
		return nil, fmt.Errorf("execute %s: emit end: %w", toolName, emitErr)
	}
	return result, nil
}

func (r *Runtime) denyAndEnd(ctx context.Context, toolName, spanID, traceID, threadID, callerID, reason string) error {
	if _, err := r.events.Emit(ctx, eventlog.EventInput{
		TraceID: traceID, SpanID: ids.NewSpan(), ParentSpanID: spanID, ThreadID: threadID,
		EventType: "policy.decision", ActorID: callerID,
		Payload: map[string]any{"tool": toolName, "reason": reason},
	}); err != nil {
		return fmt.Errorf("execute %s: emit policy decision: %w", toolName, err)
	}
	return r.endWithError(ctx, toolName, spanID, traceID, threadID, callerID, &PolicyError{Reason: reason})
}

func (r *Runtime) endWithError(ctx context.Context, toolName, spanID, traceID, threadID, callerID string, cause error) error {
	if _, err := r.events.Emit(ctx, eventlog.EventInput{
		TraceID: traceID, SpanID: ids.NewSpan(), ParentSpanID: spanID, ThreadID: threadID,
		EventType: "tool.call.end", ActorID: callerID,
		Payload: map[string]any{"tool": toolName, "result": map[string]any{"error": cause.Error()}},
	}); err != nil {
		return fmt.Errorf("execute %s: emit error end: %w", toolName, err)
	}
	return cause
}

func validateArguments(schema *jsonschema.Schema, arguments map[string]any) error {
	body, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(parsed)
}
