package eventlog

import (
	"reflect"
	"testing"
)

func TestRedactPayload_Recursion(t *testing.T) {
	input := map[string]any{
		"credentials": map[string]any{
			"access_token": "X",
			"nested": map[string]any{
				"password": "Y",
			},
		},
		"items": []any{
			map[string]any{"api_key": "Z"},
		},
		"note": "keep me",
	}
	out := RedactPayload(input).(map[string]any)
	creds := out["credentials"].(map[string]any)
	if creds["access_token"] != redactedPlaceholder {
		t.Fatalf("expected access_token redacted, got %v", creds["access_token"])
	}
	nested := creds["nested"].(map[string]any)
	if nested["password"] != redactedPlaceholder {
		t.Fatalf("expected password redacted, got %v", nested["password"])
	}
	items := out["items"].([]any)
	item0 := items[0].(map[string]any)
	if item0["api_key"] != redactedPlaceholder {
		t.Fatalf("expected api_key redacted, got %v", item0["api_key"])
	}
	if out["note"] != "keep me" {
		t.Fatalf("expected non-sensitive field preserved, got %v", out["note"])
	}
}

func TestRedactPayload_Idempotent(t *testing.T) {
	input := map[string]any{"password": "secret", "ok": "fine"}
	once := RedactPayload(input)
	twice := RedactPayload(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected redaction to be idempotent, got %v vs %v", once, twice)
	}
}

func TestRedactPayload_CaseInsensitiveKey(t *testing.T) {
	input := map[string]any{"API_Key": "Z"}
	out := RedactPayload(input).(map[string]any)
	if out["API_Key"] != redactedPlaceholder {
		t.Fatalf("expected case-insensitive key match, got %v", out["API_Key"])
	}
}

func TestApplyEnvelopeDefaults_ActionEnvelope(t *testing.T) {
	payload := applyEnvelopeDefaults("tool.call.start", map[string]any{"intent": "fetch"})
	for _, key := range []string{"intent", "evidence", "plan", "diff", "tests", "result"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("expected envelope key %q to be filled", key)
		}
	}
	if payload["intent"] != "fetch" {
		t.Fatalf("expected caller-supplied intent preserved, got %v", payload["intent"])
	}
}

func TestApplyEnvelopeDefaults_EvolutionEnvelope(t *testing.T) {
	payload := applyEnvelopeDefaults("evolution.item.updated", map[string]any{"item_id": "abc"})
	for _, key := range []string{"item_id", "trace_id", "status", "evidence_refs", "result"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("expected evolution envelope key %q to be filled", key)
		}
	}
}

func TestApplyEnvelopeDefaults_Untouched(t *testing.T) {
	payload := applyEnvelopeDefaults("schedule.tick", map[string]any{"foo": "bar"})
	if len(payload) != 1 {
		t.Fatalf("expected non-envelope event type to pass through unchanged, got %v", payload)
	}
}
