package memory

import (
	"context"
	"fmt"

	"github.com/basket/substrate/internal/eventlog"
	"github.com/basket/substrate/internal/safety"
	"github.com/basket/substrate/internal/shared"
)

// WriteGovernance controls what happens when a memory write carries
// sensitive material. Modes: "off" stores as-is, "mask" stores a redacted
// copy, "deny" rejects the write.
type WriteGovernance struct {
	SecretScanEnabled bool
	PIIRedactMode     string
}

// ErrWriteDenied is returned when governance mode "deny" blocks a write.
var ErrWriteDenied = fmt.Errorf("memory write denied: sensitive content")

// Write stores one memory chunk for a thread, co-indexed for hybrid search.
// The chunk lands as a memory.write event whose text feeds the FTS and
// vector lanes, so Search finds it with no extra bookkeeping.
func Write(ctx context.Context, events *eventlog.Log, threadID, text string, metadata map[string]any, gov WriteGovernance) (string, error) {
	if text == "" {
		return "", fmt.Errorf("memory write: empty text")
	}

	detector := safety.NewLeakDetector()
	if gov.SecretScanEnabled && len(detector.Scan(text)) > 0 {
		// Credentials never belong in memory; mask rather than index them.
		text = shared.Redact(text)
	}
	switch gov.PIIRedactMode {
	case "deny":
		if len(detector.ScanPII(text)) > 0 {
			return "", ErrWriteDenied
		}
	case "mask":
		text = detector.RedactPII(text)
	}

	payload := map[string]any{"text": text}
	for k, v := range metadata {
		if k == "text" {
			continue
		}
		payload[k] = v
	}
	id, err := events.Emit(ctx, eventlog.EventInput{
		TraceID:   shared.TraceID(ctx),
		ThreadID:  threadID,
		EventType: "memory.write",
		ActorID:   shared.AgentID(ctx),
		Payload:   payload,
		Text:      text,
	})
	if err != nil {
		return "", fmt.Errorf("memory write: %w", err)
	}
	return id, nil
}
