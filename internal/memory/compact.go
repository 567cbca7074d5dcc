package memory

import (
	"context"
	"fmt"

	"github.com/basket/substrate/internal/persistence"
)

// shortSummaryTail is how many trailing messages feed the short summary.
const shortSummaryTail = 20

// compactionWatermark is how many messages a thread accumulates before the
// periodic sweep bothers summarizing it.
const compactionWatermark = 40

// CompactResult carries the two summaries a compaction produces.
type CompactResult struct {
	Short string
	Long  string
}

func summaryShortKey(threadID string) string { return "thread_summary_short:" + threadID }
func summaryLongKey(threadID string) string  { return "thread_summary_long:" + threadID }

// CompactThread summarizes a thread's rolling history: the short summary
// covers the recent tail, the long summary covers everything. Both persist
// under the KV keys the prompt builder reads.
func CompactThread(ctx context.Context, store *persistence.Store, threadID string, summarizer Summarizer) (CompactResult, error) {
	if summarizer == nil {
		summarizer = &StaticSummarizer{}
	}
	msgs, err := store.ListThreadTail(ctx, threadID, 1000)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact thread: list messages: %w", err)
	}
	if len(msgs) == 0 {
		return CompactResult{}, nil
	}

	window := make([]WindowMessage, 0, len(msgs))
	for _, m := range msgs {
		window = append(window, WindowMessage{Role: m.Role, Content: m.Content, Tokens: EstimateTokens(m.Content)})
	}

	tail := window
	if len(tail) > shortSummaryTail {
		tail = tail[len(tail)-shortSummaryTail:]
	}
	short, err := summarizer.Summarize(ctx, tail)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact thread: short summary: %w", err)
	}
	long, err := summarizer.Summarize(ctx, window)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact thread: long summary: %w", err)
	}

	if err := store.KVSet(ctx, summaryShortKey(threadID), short); err != nil {
		return CompactResult{}, fmt.Errorf("compact thread: persist short: %w", err)
	}
	if err := store.KVSet(ctx, summaryLongKey(threadID), long); err != nil {
		return CompactResult{}, fmt.Errorf("compact thread: persist long: %w", err)
	}
	return CompactResult{Short: short, Long: long}, nil
}

// PeriodicCompaction visits every open thread past the length watermark and
// compacts it. Returns how many threads were compacted; per-thread errors
// skip the thread rather than aborting the sweep.
func PeriodicCompaction(ctx context.Context, store *persistence.Store, summarizer Summarizer) (int, error) {
	threads, err := store.ListOpenThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("periodic compaction: %w", err)
	}
	compacted := 0
	for _, th := range threads {
		count, err := store.CountMessages(ctx, "", th.ID)
		if err != nil || count < compactionWatermark {
			continue
		}
		if _, err := CompactThread(ctx, store, th.ID, summarizer); err != nil {
			continue
		}
		compacted++
	}
	return compacted, nil
}
