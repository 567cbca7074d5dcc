package memory

// WindowConfig bounds the sliding conversation window.
type WindowConfig struct {
	MaxMessages    int // messages kept at most
	MaxTokens      int // total token ceiling
	SummaryBudget  int // held back for the summary
	ReservedTokens int // held back for system prompt, pins, memories
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxMessages:    50,
		MaxTokens:      8000,
		SummaryBudget:  500,
		ReservedTokens: 2000,
	}
}

// WindowMessage is one message in windowing terms: role, text, and its
// pre-computed token estimate.
type WindowMessage struct {
	Role    string
	Content string
	Tokens  int
}

// WindowResult is what fit: the surviving tail plus the summary standing in
// for everything truncated away.
type WindowResult struct {
	Summary        string
	Messages       []WindowMessage // oldest first
	TotalTokens    int
	TruncatedCount int
}

// BuildWindow keeps the newest messages that fit under the budget left
// after reservations, preserving oldest-first order in the result. Messages
// are all-or-nothing: the first one that does not fit ends the walk.
func BuildWindow(messages []WindowMessage, summary string, cfg WindowConfig) WindowResult {
	if len(messages) == 0 {
		return WindowResult{Summary: summary, Messages: []WindowMessage{}}
	}

	budget := cfg.MaxTokens - cfg.ReservedTokens - cfg.SummaryBudget
	if budget < 100 {
		budget = 100
	}
	summaryTokens := len(summary) / 4

	// Newest to oldest, take while it fits.
	var kept []WindowMessage
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if len(kept) >= cfg.MaxMessages {
			break
		}
		if total+msg.Tokens+summaryTokens > budget {
			break
		}
		kept = append(kept, msg)
		total += msg.Tokens
	}

	// Restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return WindowResult{
		Summary:        summary,
		Messages:       kept,
		TotalTokens:    total + summaryTokens,
		TruncatedCount: len(messages) - len(kept),
	}
}
