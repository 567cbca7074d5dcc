// Package router implements the provider router: a two-lane primary/fallback
// LLM dispatcher with a circuit breaker per lane and a priority-aware
// local-LLM overload short-circuit.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Message is a single turn in the conversation passed to a provider.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// ToolSpec describes a tool the model may request, by name/description/schema.
// Tool execution itself is owned by internal/toolruntime; the router only
// needs enough information to advertise tools to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a tool invocation the model requested, parsed out of its reply.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// GenerateInput is the request to a single provider lane.
type GenerateInput struct {
	Messages    []Message
	System      string
	Tools       []ToolSpec
	Temperature float32
	MaxTokens   int
	Priority    string // "low" enables the local-LLM overload short-circuit
}

// Usage is the token accounting a lane reports for one run. Model carries
// the lane's fully qualified model id so cost estimation can price the run.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// GenerateOutput is a provider lane's reply, with any tool calls the model
// requested already parsed out of the raw text.
type GenerateOutput struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Brain is a single provider lane: one model, one SDK.
type Brain interface {
	Name() string
	Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error)
	HealthCheck(ctx context.Context) bool
}

// toolCallRE matches the textual tool-call convention models are instructed
// to emit: <|tool_call|>{"name":"...","arguments":{...}}<|/tool_call|>.
// Dynamic, JSON-Schema-described tools (registered at runtime by
// internal/toolruntime from policy-driven specs) have no static Go type, so
// they cannot ride genkit's generic DefineTool mechanism the way
// engine.GenkitBrain wires its fixed tool set. This textual convention is
// the substitute.
var toolCallRE = regexp.MustCompile(`(?s)<\|tool_call\|>\s*(\{.*?\})\s*<\|/tool_call\|>`)

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool-call blocks from raw model text, returning the
// remaining text with those blocks removed.
func parseToolCalls(text string) (string, []ToolCall) {
	matches := toolCallRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var calls []ToolCall
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(text[last:m[0]])
		last = m[1]
		var raw rawToolCall
		if err := json.Unmarshal([]byte(text[m[2]:m[3]]), &raw); err == nil && raw.Name != "" {
			calls = append(calls, ToolCall{Name: raw.Name, Arguments: raw.Arguments})
		}
	}
	sb.WriteString(text[last:])
	return strings.TrimSpace(sb.String()), calls
}

// toolCatalog renders tools as a system-prompt section instructing the
// tool-call convention.
func toolCatalog(tools []ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You have access to the following tools. To call one, emit exactly:\n")
	sb.WriteString("<|tool_call|>{\"name\": \"<tool name>\", \"arguments\": { ... }}<|/tool_call|>\n")
	sb.WriteString("Only one tool call per block; you may emit multiple blocks in one reply.\n\n")
	for _, t := range tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		if len(t.Schema) > 0 {
			sb.WriteString("\n  arguments schema: ")
			sb.Write(t.Schema)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ProviderError wraps a lane failure with the lane's name, matching the
// spec's "TypeName: message" capture convention.
type ProviderError struct {
	Lane string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Lane, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DualFailureError is the retryable provider-error raised when both lanes
// fail (or the fallback is skipped due to local-LLM backpressure).
type DualFailureError struct {
	Primary  error
	Fallback error
}

func (e *DualFailureError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("provider unavailable: primary=%v", e.Primary)
	}
	return fmt.Sprintf("provider unavailable: primary=%v fallback=%v", e.Primary, e.Fallback)
}

// circuitBreaker is a minimal consecutive-failure breaker, the same shape
// engine.FailoverBrain keeps per lane, without the persistence.
type circuitBreaker struct {
	mu         sync.Mutex
	failures   int
	lastFail   time.Time
	threshold  int
	cooldown   time.Duration
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	if time.Since(b.lastFail) > b.cooldown {
		// half-open: allow a probe through, reset the counter optimistically
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = time.Now()
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// queueProbe is a 5-second TTL-cached GET against the local-LLM broker's
// management API, used to detect overload before burning the primary lane
// on low-priority work.
type queueProbe struct {
	mu        sync.Mutex
	url       string
	ttl       time.Duration
	cachedAt  time.Time
	cached    int
	cachedErr error
	fetch     func(url string) (int, error)
}

func newQueueProbe(url string) *queueProbe {
	return &queueProbe{url: url, ttl: 5 * time.Second, fetch: httpQueueDepth}
}

func (q *queueProbe) depth() (int, error) {
	if q.url == "" {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Since(q.cachedAt) < q.ttl {
		return q.cached, q.cachedErr
	}
	depth, err := q.fetch(q.url)
	q.cached, q.cachedErr, q.cachedAt = depth, err, time.Now()
	return depth, err
}

// RouterConfig configures the two-lane dispatch policy.
type RouterConfig struct {
	// BrokerQueueURL, if set, is probed (GET, JSON {"depth": N} or
	// {"messages": N}) to measure local-LLM broker queue depth.
	BrokerQueueURL       string
	QueueThresholdLocal  int
	BreakerThreshold     int
	BreakerCooldown      time.Duration
}

// Router dispatches generate calls across a primary and fallback Brain.
type Router struct {
	primary  Brain
	fallback Brain

	primaryBreaker  *circuitBreaker
	fallbackBreaker *circuitBreaker

	queue          *queueProbe
	queueThreshold int
}

func New(primary, fallback Brain, cfg RouterConfig) *Router {
	return &Router{
		primary:         primary,
		fallback:        fallback,
		primaryBreaker:  newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		fallbackBreaker: newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		queue:           newQueueProbe(cfg.BrokerQueueURL),
		queueThreshold:  cfg.QueueThresholdLocal,
	}
}

// ErrLocalLLMOverloaded signals the priority=="low" backpressure short-circuit.
var ErrLocalLLMOverloaded = fmt.Errorf("local LLM queue overloaded")

// Generate dispatches one model call: try primary, on failure and unless
// backpressure forbids it, try fallback.
func (r *Router) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, string, error) {
	system := in.System
	if cat := toolCatalog(in.Tools); cat != "" {
		if system != "" {
			system = system + "\n\n" + cat
		} else {
			system = cat
		}
	}
	genIn := in
	genIn.System = system

	var primaryErr error
	if r.primary != nil && !r.primaryBreaker.open() {
		out, err := r.primary.Generate(ctx, genIn)
		if err == nil {
			r.primaryBreaker.recordSuccess()
			return out, "primary", nil
		}
		r.primaryBreaker.recordFailure()
		primaryErr = &ProviderError{Lane: "primary", Err: err}
	} else if r.primary != nil {
		primaryErr = &ProviderError{Lane: "primary", Err: fmt.Errorf("circuit open")}
	} else {
		primaryErr = &ProviderError{Lane: "primary", Err: fmt.Errorf("no primary configured")}
	}

	if strings.EqualFold(in.Priority, "low") && r.queueThreshold > 0 {
		if depth, err := r.queue.depth(); err == nil && depth > r.queueThreshold {
			return GenerateOutput{}, "", &DualFailureError{Primary: primaryErr, Fallback: ErrLocalLLMOverloaded}
		}
	}

	if r.fallback == nil {
		return GenerateOutput{}, "", &DualFailureError{Primary: primaryErr}
	}
	if r.fallbackBreaker.open() {
		return GenerateOutput{}, "", &DualFailureError{Primary: primaryErr, Fallback: fmt.Errorf("fallback circuit open")}
	}
	out, err := r.fallback.Generate(ctx, genIn)
	if err != nil {
		r.fallbackBreaker.recordFailure()
		return GenerateOutput{}, "", &DualFailureError{Primary: primaryErr, Fallback: err}
	}
	r.fallbackBreaker.recordSuccess()
	return out, "fallback", primaryErr
}

// HealthStatus reports independent per-lane probe results.
type HealthStatus struct {
	Primary  bool `json:"primary"`
	Fallback bool `json:"fallback"`
}

func (r *Router) HealthCheck(ctx context.Context) HealthStatus {
	var hs HealthStatus
	if r.primary != nil {
		hs.Primary = r.primary.HealthCheck(ctx)
	}
	if r.fallback != nil {
		hs.Fallback = r.fallback.HealthCheck(ctx)
	}
	return hs
}
