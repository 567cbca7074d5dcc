// Package orchestrator implements the per-turn agent step: prompt build,
// model call, tool fan-out, delegation, and reply, converting every failure
// along the way into either a tool-result the agent can recover from or a
// bounded user-visible apology. It is the only layer that turns errors into
// user-facing text.
package orchestrator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/eventlog"
	otelPkg "github.com/basket/substrate/internal/otel"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/router"
	"github.com/basket/substrate/internal/toolruntime"
)

// Generator is the slice of the provider router a step needs.
type Generator interface {
	Generate(ctx context.Context, in router.GenerateInput) (router.GenerateOutput, string, error)
	HealthCheck(ctx context.Context) router.HealthStatus
}

// ToolExecutor runs one policy-checked, traced tool call. Implemented by
// toolruntime.Runtime.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, arguments map[string]any, callerID, traceID, threadID string) (any, error)
}

// ToolCatalog advertises the registered tools to the model. Implemented by
// toolruntime.Runtime.
type ToolCatalog interface {
	Adverts() []toolruntime.Advert
}

// Config bounds a single step.
type Config struct {
	// TokenBudget caps the packed prompt; sections are truncated in order
	// memory, tail, long summary until the prompt fits.
	TokenBudget int
	// MaxToolRounds bounds model->tool->model round trips per step. The
	// per-principal action budget (R8) is enforced separately by policy.
	MaxToolRounds int
	// TailLimit is how many trailing thread messages are considered for the
	// prompt before budget packing.
	TailLimit int
	// MemoryTopK is how many hybrid-search chunks are considered.
	MemoryTopK int
	// ActorPriority maps actor ids to router priorities; unlisted actors
	// run at "normal".
	ActorPriority map[string]string
	// Persona, when set, replaces the default instruction header (loaded
	// from the operator's SOUL.md).
	Persona string
}

func (c *Config) normalize() {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 8000
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 6
	}
	if c.TailLimit <= 0 {
		c.TailLimit = 50
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 5
	}
}

// Orchestrator drives agent steps. One per process; all per-turn state lives
// in the store, keyed by (trace_id, thread_id, actor_id), so any step is
// re-entrant from ids alone.
type Orchestrator struct {
	store   *persistence.Store
	events  *eventlog.Log
	gen     Generator
	tools   ToolExecutor
	catalog ToolCatalog
	bus     *bus.Bus
	logger  *slog.Logger
	cfg     Config

	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

func New(store *persistence.Store, events *eventlog.Log, gen Generator, tools ToolExecutor, catalog ToolCatalog, b *bus.Bus, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	return &Orchestrator{
		store:   store,
		events:  events,
		gen:     gen,
		tools:   tools,
		catalog: catalog,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		tracer:  nooptrace.NewTracerProvider().Tracer("orchestrator"),
	}
}

// SetTelemetry swaps in a real tracer and metric instruments; without it
// the orchestrator traces into a no-op provider.
func (o *Orchestrator) SetTelemetry(tracer trace.Tracer, metrics *otelPkg.Metrics) {
	if tracer != nil {
		o.tracer = tracer
	}
	o.metrics = metrics
}

func (o *Orchestrator) priorityFor(actorID string) string {
	if p, ok := o.cfg.ActorPriority[actorID]; ok && p != "" {
		return p
	}
	return "normal"
}

func (o *Orchestrator) publish(topic string, payload map[string]string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, payload)
}
