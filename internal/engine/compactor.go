package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/substrate/internal/persistence"
	"github.com/basket/substrate/internal/tokenutil"
)

// Compactor keeps a session's history inside the model's context window:
// once usage crosses the threshold it summarizes the oldest messages,
// archives them, and leaves the summary behind as a system message.
type Compactor struct {
	store    *persistence.Store
	brain    Brain
	config   CompactorConfig
	provider string
	model    string
}

type CompactorConfig struct {
	ThresholdRatio float64 // compact past this fraction of the window (default 0.75)
	KeepRecent     int     // newest messages never compacted (default 10)
}

func NewCompactor(store *persistence.Store, brain Brain, provider, model string, cfg CompactorConfig) *Compactor {
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.75
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	return &Compactor{
		store:    store,
		brain:    brain,
		config:   cfg,
		provider: provider,
		model:    model,
	}
}

// CompactIfNeeded returns the session's active history, compacting first
// when it has outgrown the threshold. A failed summarization degrades to a
// plain truncation note; compaction never blocks the turn.
func (c *Compactor) CompactIfNeeded(ctx context.Context, sessionID string) ([]persistence.HistoryItem, error) {
	items, err := c.store.ListHistory(ctx, sessionID, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("list history for compaction: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	totalTokens := 0
	for _, item := range items {
		totalTokens += item.Tokens
	}

	limit := ContextLimitForModel(c.provider, c.model)
	available := limit - reservedTokens
	if available < 1000 {
		available = 1000
	}
	if float64(totalTokens) < float64(available)*c.config.ThresholdRatio {
		return items, nil
	}

	slog.Info("context limit exceeded, compacting",
		"session_id", sessionID,
		"tokens", totalTokens,
		"limit", limit,
		"available", available)

	if c.config.KeepRecent >= len(items) {
		// Everything is protected; nothing to fold away.
		return items, nil
	}

	// Walk backwards keeping messages until the kept tail would exceed 60%
	// of the window, but never fewer than KeepRecent.
	safeWindow := int(float64(available) * 0.6)
	recentTokens := 0
	splitIdx := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		recentTokens += items[i].Tokens
		if len(items)-i <= c.config.KeepRecent {
			continue
		}
		if recentTokens > safeWindow {
			splitIdx = i + 1
			break
		}
		splitIdx = i
	}
	if splitIdx <= 0 {
		splitIdx = 1
	}
	if splitIdx >= len(items) {
		return items, nil
	}
	oldItems := items[:splitIdx]

	var conversation strings.Builder
	for _, item := range oldItems {
		conversation.WriteString(fmt.Sprintf("%s: %s\n", item.Role, item.Content))
	}
	prompt := fmt.Sprintf(`Summarize the following conversation history into a concise summary that preserves:
- Key facts, decisions, and conclusions
- User preferences and constraints mentioned
- Any ongoing tasks or action items
- Important context needed for future turns

Conversation:
%s`, conversation.String())

	// The summary call uses a throwaway session id: Respond loads history
	// for its session, and summarizing under the real id would re-enter
	// compaction on the same overfull history.
	summarySessionID := fmt.Sprintf("summary-%s-%d", sessionID, time.Now().UnixNano())
	summary, err := c.brain.Respond(ctx, summarySessionID, prompt)
	if err != nil {
		slog.Warn("compaction summarization failed, falling back to truncation", "error", err)
		summary = "[History compacted due to length. Older messages were truncated.]"
	}

	lastOldID := oldItems[len(oldItems)-1].ID
	if err := c.store.ArchiveMessages(ctx, sessionID, lastOldID); err != nil {
		return nil, fmt.Errorf("archive messages: %w", err)
	}

	summaryContent := fmt.Sprintf("Previous conversation summary: %s", summary)
	if err := c.store.AddHistory(ctx, sessionID, "", "system", summaryContent, tokenutil.EstimateTokens(summaryContent)); err != nil {
		return nil, fmt.Errorf("add summary message: %w", err)
	}

	return c.store.ListHistory(ctx, sessionID, "", 1000)
}
