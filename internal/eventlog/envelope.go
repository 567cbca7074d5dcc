package eventlog

import "strings"

// actionEnvelopeTypes are event types whose payload must carry the full
// action envelope: {intent, evidence, plan, diff, tests:{result}, result:{status}}.
var actionEnvelopePrefixes = []string{
	"self_update.",
	"tool.call.",
	"agent.step.",
	"policy.",
	"evidence.check",
	"prompt.build",
	"model.run.",
	"model.fallback",
	"failure_capsule.lookup",
}

// evolutionEnvelopePrefix events carry {item_id, trace_id, status, evidence_refs, result}.
const evolutionEnvelopePrefix = "evolution.item."

func requiresActionEnvelope(eventType string) bool {
	for _, p := range actionEnvelopePrefixes {
		if strings.HasSuffix(p, ".") {
			if strings.HasPrefix(eventType, p) {
				return true
			}
			continue
		}
		if eventType == p {
			return true
		}
	}
	return false
}

func requiresEvolutionEnvelope(eventType string) bool {
	return strings.HasPrefix(eventType, evolutionEnvelopePrefix)
}

// applyEnvelopeDefaults fills in the mandatory envelope shape for event
// types that require one, leaving any fields the caller already populated
// untouched. The emitter enforces shape on write rather than trusting every
// call site to remember it.
func applyEnvelopeDefaults(eventType string, payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	switch {
	case requiresActionEnvelope(eventType):
		ensureKey(payload, "intent", "")
		ensureKey(payload, "evidence", []any{})
		ensureKey(payload, "plan", "")
		ensureKey(payload, "diff", "")
		tests, _ := payload["tests"].(map[string]any)
		if tests == nil {
			tests = map[string]any{}
		}
		ensureKey(tests, "result", "")
		payload["tests"] = tests
		result, _ := payload["result"].(map[string]any)
		if result == nil {
			result = map[string]any{}
		}
		ensureKey(result, "status", "")
		payload["result"] = result
	case requiresEvolutionEnvelope(eventType):
		ensureKey(payload, "item_id", "")
		ensureKey(payload, "trace_id", "")
		ensureKey(payload, "status", "")
		ensureKey(payload, "evidence_refs", []any{})
		result, _ := payload["result"].(map[string]any)
		if result == nil {
			result = map[string]any{}
		}
		payload["result"] = result
	}
	return payload
}

func ensureKey(m map[string]any, key string, zero any) {
	if _, ok := m[key]; !ok {
		m[key] = zero
	}
}
