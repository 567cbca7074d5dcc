package memory

import (
	"fmt"
	"sort"
	"strings"
)

// relevanceFloor drops facts that have decayed into noise before they
// reach the prompt.
const relevanceFloor = 0.1

// KeyValue is one remembered fact with its current relevance.
type KeyValue struct {
	Key            string
	Value          string
	RelevanceScore float64
}

// CoreMemoryBlock renders an agent's facts as a system-prompt section,
// most relevant first.
type CoreMemoryBlock struct {
	memories []KeyValue
}

// NewCoreMemoryBlock filters facts under the relevance floor and orders the
// rest by score descending.
func NewCoreMemoryBlock(memories []KeyValue) *CoreMemoryBlock {
	var kept []KeyValue
	for _, m := range memories {
		if m.RelevanceScore >= relevanceFloor {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].RelevanceScore > kept[j].RelevanceScore
	})
	return &CoreMemoryBlock{memories: kept}
}

// Format renders the block, e.g.:
//
//	<core_memory>
//	user_language: Go
//	project: substrate
//	</core_memory>
//
// An empty block renders nothing, so the prompt carries no empty markers.
func (b *CoreMemoryBlock) Format() string {
	if len(b.memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<core_memory>\n")
	for _, m := range b.memories {
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.Key, m.Value))
	}
	sb.WriteString("</core_memory>")
	return sb.String()
}

// EstimateTokens sizes the rendered block for budget packing.
func (b *CoreMemoryBlock) EstimateTokens() int {
	return EstimateTokens(b.Format())
}
