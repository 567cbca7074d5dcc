package memory

import (
	"fmt"
	"strings"
)

// ContextBudget is the token ledger for one assembled context window,
// rendered to users by the budget command and consulted by compaction.
type ContextBudget struct {
	ModelLimit   int // model context size
	OutputBuffer int // reserved for the reply
	Available    int // ModelLimit - OutputBuffer

	SoulTokens    int
	MemoryTokens  int
	PinTokens     int
	SharedTokens  int
	SummaryTokens int
	MessageTokens int
	TotalUsed     int

	Remaining      int
	MessageCount   int
	TruncatedCount int
	PinCount       int
	SharedPinCount int
	MemoryCount    int
	SharedMemCount int
}

// Format renders the ledger for display. Sections with nothing in them are
// left out.
func (b *ContextBudget) Format(agentID, modelName string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Context Budget for @%s (%s, %d tokens available)\n", agentID, modelName, b.Available))
	sb.WriteString("─────────────────────────────────────────────\n")

	if b.SoulTokens > 0 {
		sb.WriteString(fmt.Sprintf("Soul/System:      %7d tokens\n", b.SoulTokens))
	}
	if b.MemoryCount > 0 {
		sb.WriteString(fmt.Sprintf("Core Memory:      %7d tokens (%d facts)\n", b.MemoryTokens, b.MemoryCount))
	}
	if b.PinCount > 0 {
		sb.WriteString(fmt.Sprintf("Pinned Files:     %7d tokens (%d files)\n", b.PinTokens, b.PinCount))
	}
	if b.SharedMemCount > 0 || b.SharedPinCount > 0 {
		sb.WriteString(fmt.Sprintf("Shared Context:   %7d tokens (%d memories, %d pins from team)\n",
			b.SharedTokens, b.SharedMemCount, b.SharedPinCount))
	}
	if b.TruncatedCount > 0 {
		sb.WriteString(fmt.Sprintf("Summary:          %7d tokens (%d older messages)\n", b.SummaryTokens, b.TruncatedCount))
	}
	if b.MessageCount > 0 {
		sb.WriteString(fmt.Sprintf("Messages:         %7d tokens (%d recent)\n", b.MessageTokens, b.MessageCount))
	}

	sb.WriteString("─────────────────────────────────────────────\n")
	sb.WriteString(fmt.Sprintf("Total Used:       %7d / %d available\n", b.TotalUsed, b.Available))
	sb.WriteString(fmt.Sprintf("Remaining:        %7d tokens (%.0f%%)\n", b.Remaining, float64(b.Remaining)/float64(b.Available)*100))

	return sb.String()
}

// Percentage is how much of the available window is in use.
func (b *ContextBudget) Percentage() float64 {
	if b.Available == 0 {
		return 0
	}
	return float64(b.TotalUsed) / float64(b.Available) * 100
}

// IsLow reports under 10% of the window remaining, the compaction trigger.
func (b *ContextBudget) IsLow() bool {
	return b.Remaining < (b.Available / 10)
}
