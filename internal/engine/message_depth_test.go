package engine

import (
	"encoding/json"
	"testing"
)

func TestChatTaskPayload_DepthEncoding(t *testing.T) {
	// Zero depth stays off the wire so old consumers see the old shape.
	data, err := json.Marshal(chatTaskPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"content":"hello"}` {
		t.Fatalf("zero depth must be omitted, got %s", data)
	}

	// Non-zero depth round-trips.
	data, err = json.Marshal(chatTaskPayload{Content: "hi", MessageDepth: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded chatTaskPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.MessageDepth != 3 || decoded.Content != "hi" {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}

	// Payloads written before the field existed decode to depth 0.
	var legacy chatTaskPayload
	if err := json.Unmarshal([]byte(`{"content":"old message"}`), &legacy); err != nil {
		t.Fatalf("unmarshal legacy: %v", err)
	}
	if legacy.MessageDepth != 0 || legacy.Content != "old message" {
		t.Fatalf("legacy decode mismatch: %+v", legacy)
	}
}
