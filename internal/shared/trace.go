package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runKey struct{}
type taskKey struct{}
type agentKey struct{}
type threadKey struct{}
type delegationHopKey struct{}
type messageDepthKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id (one per scheduler/orchestrator invocation) to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runKey{}).(string)
	return v
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithTaskID attaches the owning task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskKey{}).(string)
	return v
}

// WithAgentID attaches the acting agent_id (principal) to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentKey{}).(string)
	return v
}

// WithThreadID attaches the conversation thread id to the context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadID extracts the thread id from context. Returns "" if absent.
func ThreadID(ctx context.Context) string {
	v, _ := ctx.Value(threadKey{}).(string)
	return v
}

// WithDelegationHop attaches the current delegation hop count to the context.
func WithDelegationHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, delegationHopKey{}, hop)
}

// DelegationHop extracts the delegation hop count from context. Returns 0 if absent.
func DelegationHop(ctx context.Context) int {
	v, _ := ctx.Value(delegationHopKey{}).(int)
	return v
}

// WithMessageDepth attaches the current inter-agent message depth to the context.
func WithMessageDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, messageDepthKey{}, depth)
}

// MessageDepth extracts the message depth from context. Returns 0 if absent.
func MessageDepth(ctx context.Context) int {
	v, _ := ctx.Value(messageDepthKey{}).(int)
	return v
}
