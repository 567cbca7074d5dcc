package memory

import (
	"context"
	"fmt"
)

// Summarizer compresses a run of messages into a brief summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []WindowMessage) (string, error)
}

// StaticSummarizer is the no-model fallback: it records only how much was
// folded away, never the content, so compaction still works when no
// provider is reachable.
type StaticSummarizer struct{}

var _ Summarizer = (*StaticSummarizer)(nil)

func (s *StaticSummarizer) Summarize(ctx context.Context, messages []WindowMessage) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[Summary of %d earlier messages]", len(messages)), nil
}
