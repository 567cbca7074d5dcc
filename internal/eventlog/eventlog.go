// Package eventlog implements the append-only, redacted event emission that
// underpins observability and hybrid memory search: every tool call, policy
// decision, model run, schedule tick, and lifecycle transition is expected
// to emit at least one event through Log.Emit.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/substrate/internal/ids"
	"github.com/basket/substrate/internal/persistence"
)

// EventInput is the caller-facing shape for a single emission. SpanID is
// allocated automatically when empty; ParentSpanID links a tool call back to
// the step that issued it.
type EventInput struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	ThreadID     string
	EventType    string
	ActorID      string
	Payload      map[string]any
	Text         string // optional: co-indexed into FTS + vector search
}

// Embedder turns text into a fixed-length vector for the brute-force cosine
// search in internal/persistence. Kept as a narrow interface so eventlog
// never imports internal/memory (memory depends on eventlog's event store,
// not the reverse).
type Embedder interface {
	Embed(text string) []float32
}

// Store is the subset of *persistence.Store the emitter needs.
type Store interface {
	InsertEvent(ctx context.Context, rec persistence.EventRecord) error
}

// Log is the event emitter. One Log per process, holding the store handle
// and the embedder used for co-indexed text.
type Log struct {
	store    Store
	embedder Embedder
}

func New(store Store, embedder Embedder) *Log {
	return &Log{store: store, embedder: embedder}
}

// Emit fills in the mandatory envelope shape for event types that require
// one, stores the raw payload next to a redacted copy, optionally embeds
// Text, and persists everything in a single transaction via the store.
// Returns the minted event id.
func (l *Log) Emit(ctx context.Context, in EventInput) (string, error) {
	if in.SpanID == "" {
		in.SpanID = ids.NewSpan()
	}
	payload := applyEnvelopeDefaults(in.EventType, in.Payload)
	rawBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("emit event: encode payload: %w", err)
	}
	redactedBody, err := json.Marshal(RedactPayload(payload))
	if err != nil {
		return "", fmt.Errorf("emit event: encode redacted payload: %w", err)
	}

	var embedding []float32
	if in.Text != "" && l.embedder != nil {
		embedding = l.embedder.Embed(in.Text)
	}

	rec := persistence.EventRecord{
		ID:                  ids.NewEvent(),
		TraceID:             in.TraceID,
		SpanID:              in.SpanID,
		ParentSpanID:        in.ParentSpanID,
		ThreadID:            in.ThreadID,
		EventType:           in.EventType,
		ActorID:             in.ActorID,
		PayloadJSON:         string(rawBody),
		PayloadRedactedJSON: string(redactedBody),
		Text:                in.Text,
		Embedding:           embedding,
	}
	if err := l.store.InsertEvent(ctx, rec); err != nil {
		return "", fmt.Errorf("emit event: %w", err)
	}
	return rec.ID, nil
}
