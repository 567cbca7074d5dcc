package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/substrate/internal/memory"
	"github.com/basket/substrate/internal/persistence"
)

// typedLinePrefixes map a leading marker in a user message line to the
// state-item type it declares.
var typedLinePrefixes = []struct {
	prefix  string
	typeTag string
}{
	{"decision:", "decision"},
	{"decided:", "decision"},
	{"constraint:", "constraint"},
	{"must:", "constraint"},
	{"action:", "action"},
	{"todo:", "action"},
	{"risk:", "risk"},
	{"question:", "question"},
	{"failure:", "failure"},
}

// extractState scans user messages appended since the last watermark and
// merges any structured items it finds. Best-effort: the caller logs and
// continues on error.
func (o *Orchestrator) extractState(ctx context.Context, threadID string) error {
	watermarkKey := "state_extract_watermark:" + threadID
	seen := 0
	if raw, err := o.store.KVGet(ctx, watermarkKey); err == nil && raw != "" {
		seen, _ = strconv.Atoi(raw)
	}

	tail, err := o.store.ListThreadTail(ctx, threadID, 0)
	if err != nil {
		return fmt.Errorf("extract state: list messages: %w", err)
	}
	if len(tail) <= seen {
		return nil
	}

	for _, msg := range tail[seen:] {
		if msg.Role != "user" {
			continue
		}
		for _, ex := range extractCandidates(msg.Content) {
			if _, err := memory.MergeState(ctx, o.store, threadID, ex); err != nil {
				return fmt.Errorf("extract state: merge: %w", err)
			}
		}
	}
	return o.store.KVSet(ctx, watermarkKey, strconv.Itoa(len(tail)))
}

// extractCandidates pulls typed facts out of one message. A line with an
// explicit type marker wins; a bare line ending in "?" is a question.
func extractCandidates(content string) []memory.ExtractedState {
	var out []memory.ExtractedState
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		matched := false
		for _, p := range typedLinePrefixes {
			if strings.HasPrefix(lower, p.prefix) {
				text := strings.TrimSpace(line[len(p.prefix):])
				if text != "" {
					out = append(out, extracted(p.typeTag, text, 0.8))
				}
				matched = true
				break
			}
		}
		if !matched && strings.HasSuffix(line, "?") {
			out = append(out, extracted("question", line, 0.5))
		}
	}
	return out
}

func extracted(typeTag, text string, confidence float64) memory.ExtractedState {
	return memory.ExtractedState{
		TypeTag:         typeTag,
		Text:            text,
		Confidence:      confidence,
		Tier:            "working",
		ImportanceScore: 0.5,
	}
}

// failureCapsule summarizes a hard step failure for later lookup by trace.
func failureCapsule(traceID string, cause error) persistence.FailureCapsule {
	summary := "agent step failed"
	if cause != nil {
		summary = cause.Error()
		if len(summary) > 500 {
			summary = summary[:500]
		}
	}
	return persistence.FailureCapsule{
		TraceID:     traceID,
		Fingerprint: errText(cause),
		Summary:     summary,
	}
}
