package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/substrate/internal/memory"
	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/router"
)

// systemContext is the fixed instruction header every step starts from.
const systemContext = "You are a helpful assistant running inside a multi-agent runtime. " +
	"Be concise. Use the available tools when they help; never invent tool results."

// builtPrompt is the packed model input.
type builtPrompt struct {
	System   string
	Messages []router.Message
}

// promptReport records what the packer kept and what it cut, for the
// prompt.build event.
type promptReport struct {
	SystemTokens  int
	SummaryTokens int
	MemoryTokens  int
	TailTokens    int
	TotalTokens   int
	MemoryKept    int
	MemoryDropped int
	TailKept      int
	TailDropped   int
	LongCut       bool
}

func (r promptReport) asPayload() map[string]any {
	return map[string]any{
		"system_tokens":  r.SystemTokens,
		"summary_tokens": r.SummaryTokens,
		"memory_tokens":  r.MemoryTokens,
		"tail_tokens":    r.TailTokens,
		"total_tokens":   r.TotalTokens,
		"memory_kept":    r.MemoryKept,
		"memory_dropped": r.MemoryDropped,
		"tail_kept":      r.TailKept,
		"tail_dropped":   r.TailDropped,
		"long_cut":       r.LongCut,
	}
}

// buildPrompt packs system context, the short and long thread summaries,
// top-k memory chunks, and the message tail under the token budget. When
// over budget it truncates memory first, then the tail (oldest out first),
// then drops the long summary.
func (o *Orchestrator) buildPrompt(ctx context.Context, threadID, query string) (builtPrompt, promptReport, error) {
	short, _ := o.store.KVGet(ctx, "thread_summary_short:"+threadID)
	long, _ := o.store.KVGet(ctx, "thread_summary_long:"+threadID)

	memChunks, err := o.memoryChunks(ctx, threadID, query)
	if err != nil {
		// A memory failure degrades the prompt, never the turn.
		o.logger.Warn("memory search failed", "thread_id", threadID, "error", err)
		memChunks = nil
	}

	tail, err := o.store.ListThreadTail(ctx, threadID, o.cfg.TailLimit)
	if err != nil {
		return builtPrompt{}, promptReport{}, fmt.Errorf("list tail: %w", err)
	}

	header := systemContext
	if o.cfg.Persona != "" {
		header = o.cfg.Persona
	}

	var report promptReport
	report.SystemTokens = memory.EstimateTokens(header)
	report.SummaryTokens = memory.EstimateTokens(short) + memory.EstimateTokens(long)

	budget := o.cfg.TokenBudget
	fixed := report.SystemTokens + report.SummaryTokens

	// Memory first on the chopping block.
	memBudget := budget - fixed - tailTokens(tail)
	kept := memChunks
	for len(kept) > 0 && chunksTokens(kept) > max(memBudget, 0) {
		kept = kept[:len(kept)-1]
	}
	report.MemoryKept = len(kept)
	report.MemoryDropped = len(memChunks) - len(kept)
	report.MemoryTokens = chunksTokens(kept)

	// Then the tail, oldest messages out first.
	keptTail := tail
	for len(keptTail) > 1 && fixed+report.MemoryTokens+tailTokens(keptTail) > budget {
		keptTail = keptTail[1:]
	}
	report.TailKept = len(keptTail)
	report.TailDropped = len(tail) - len(keptTail)
	report.TailTokens = tailTokens(keptTail)

	// Last resort: drop the long summary.
	if report.SystemTokens+report.SummaryTokens+report.MemoryTokens+report.TailTokens > budget && long != "" {
		report.SummaryTokens = memory.EstimateTokens(short)
		report.LongCut = true
		long = ""
	}
	report.TotalTokens = report.SystemTokens + report.SummaryTokens + report.MemoryTokens + report.TailTokens

	system := header
	if short != "" {
		system += "\n\nConversation summary:\n" + short
	}
	if long != "" {
		system += "\n\nEarlier history:\n" + long
	}
	if len(kept) > 0 {
		system += "\n\nRelevant memory:\n" + strings.Join(kept, "\n")
	}

	msgs := make([]router.Message, 0, len(keptTail))
	for _, m := range keptTail {
		msgs = append(msgs, router.Message{Role: m.Role, Content: m.Content})
	}
	return builtPrompt{System: system, Messages: msgs}, report, nil
}

// memoryChunks runs the hybrid search and resolves result ids back to their
// indexed text.
func (o *Orchestrator) memoryChunks(ctx context.Context, threadID, query string) ([]string, error) {
	results, err := memory.Search(ctx, o.store, threadID, query, o.cfg.MemoryTopK, 1.0, 1.0, 0.5)
	if err != nil {
		return nil, err
	}
	var chunks []string
	for _, r := range results {
		text, err := o.store.EventText(ctx, r.ID)
		if err != nil || text == "" {
			continue
		}
		chunks = append(chunks, "- "+text)
	}
	return chunks, nil
}

func tailTokens(msgs []persistence.ThreadMessage) int {
	total := 0
	for _, m := range msgs {
		total += memory.EstimateTokens(m.Content)
	}
	return total
}

func chunksTokens(chunks []string) int {
	total := 0
	for _, c := range chunks {
		total += memory.EstimateTokens(c)
	}
	return total
}
