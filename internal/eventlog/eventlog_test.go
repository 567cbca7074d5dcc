package eventlog_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/persistence"
)

type unitEmbedder struct{}

func (unitEmbedder) Embed(text string) []float32 {
	v := make([]float32, 8)
	for i, r := range text {
		v[i%8] += float32(r)
	}
	return v
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "substrate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmit_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	log := eventlog.New(store, unitEmbedder{})
	ctx := context.Background()

	id, err := log.Emit(ctx, eventlog.EventInput{
		TraceID:   "trc_roundtrip",
		SpanID:    "spn_1",
		ThreadID:  "",
		EventType: "schedule.catchup",
		ActorID:   "scheduler",
		Payload:   map[string]any{"dispatched": 2, "deferred": 0},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	rec, err := store.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.TraceID != "trc_roundtrip" || rec.SpanID != "spn_1" || rec.EventType != "schedule.catchup" {
		t.Fatalf("round trip mismatch: %+v", rec)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["dispatched"].(float64) != 2 {
		t.Fatalf("payload lost: %v", payload)
	}
}

func TestEmit_FillsActionEnvelope(t *testing.T) {
	store := openTestStore(t)
	log := eventlog.New(store, unitEmbedder{})
	ctx := context.Background()

	id, err := log.Emit(ctx, eventlog.EventInput{
		TraceID:   "trc_env",
		EventType: "tool.call.start",
		ActorID:   "main",
		Payload:   map[string]any{"tool": "echo"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	rec, err := store.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	for _, key := range []string{"intent", "evidence", "plan", "diff", "tests", "result"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("envelope key %q missing: %v", key, payload)
		}
	}
	result, _ := payload["result"].(map[string]any)
	if _, ok := result["status"]; !ok {
		t.Errorf("result.status missing: %v", payload)
	}
	if payload["tool"] != "echo" {
		t.Errorf("caller fields must survive envelope defaults: %v", payload)
	}
}

func TestEmit_EvolutionEnvelope(t *testing.T) {
	store := openTestStore(t)
	log := eventlog.New(store, unitEmbedder{})

	id, err := log.Emit(context.Background(), eventlog.EventInput{
		TraceID:   "trc_evo",
		EventType: "evolution.item.promoted",
		ActorID:   "system",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	rec, _ := store.GetEvent(context.Background(), id)
	var payload map[string]any
	_ = json.Unmarshal([]byte(rec.PayloadJSON), &payload)
	for _, key := range []string{"item_id", "trace_id", "status", "evidence_refs", "result"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("evolution envelope key %q missing: %v", key, payload)
		}
	}
}

func TestEmit_RedactsSensitiveKeysBeforePersisting(t *testing.T) {
	store := openTestStore(t)
	log := eventlog.New(store, unitEmbedder{})

	id, err := log.Emit(context.Background(), eventlog.EventInput{
		TraceID:   "trc_red",
		EventType: "memory.write",
		Payload: map[string]any{
			"credentials": map[string]any{"access_token": "SECRET"},
			"note":        "fine",
		},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	rec, _ := store.GetEvent(context.Background(), id)
	if want := `"access_token":"[REDACTED]"`; !strings.Contains(rec.PayloadRedactedJSON, want) {
		t.Fatalf("token not redacted: %s", rec.PayloadRedactedJSON)
	}
	if strings.Contains(rec.PayloadRedactedJSON, "SECRET") {
		t.Fatalf("secret value leaked: %s", rec.PayloadRedactedJSON)
	}
	// The raw payload is stored too, unmasked, for process-internal use.
	if !strings.Contains(rec.PayloadJSON, "SECRET") {
		t.Fatalf("raw payload must keep the original value: %s", rec.PayloadJSON)
	}
}

func TestEmit_CoIndexesText(t *testing.T) {
	store := openTestStore(t)
	log := eventlog.New(store, unitEmbedder{})
	ctx := context.Background()

	id, err := log.Emit(ctx, eventlog.EventInput{
		TraceID:   "trc_idx",
		ThreadID:  "thr_idx",
		EventType: "memory.write",
		Payload:   map[string]any{"text": "the quick brown fox"},
		Text:      "the quick brown fox",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	text, err := store.EventText(ctx, id)
	if err != nil || text != "the quick brown fox" {
		t.Fatalf("event text = %q, %v", text, err)
	}
	fts, err := store.SearchEventTextFTS(ctx, "thr_idx", "fox", 5)
	if err != nil || len(fts) != 1 || fts[0].EventID != id {
		t.Fatalf("fts lookup failed: %v %v", fts, err)
	}
	vecs, err := store.SearchEventVectors(ctx, "thr_idx", unitEmbedder{}.Embed("the quick brown fox"), 5)
	if err != nil || len(vecs) != 1 || vecs[0].EventID != id {
		t.Fatalf("vector lookup failed: %v %v", vecs, err)
	}
}
