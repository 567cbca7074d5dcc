package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/basket/substrate/internal/persistence"
)

// SharedStore is the slice of the store that answers "what have other
// agents shared with me".
type SharedStore interface {
	GetSharedMemories(ctx context.Context, targetAgentID string) ([]persistence.AgentMemory, error)
	GetSharedPinsForAgent(ctx context.Context, targetAgentID string) ([]persistence.AgentPin, error)
}

// SharedContext renders team-shared memories and pins into one attributed
// context block.
type SharedContext struct {
	store SharedStore
}

func NewSharedContext(store SharedStore) *SharedContext {
	return &SharedContext{store: store}
}

// Format groups shared items by their source agent, attributes each group,
// and returns the block plus its token estimate. No shared items renders
// nothing at all, not an empty tag pair.
func (sc *SharedContext) Format(ctx context.Context, agentID string) (string, int, error) {
	sharedMemories, err := sc.store.GetSharedMemories(ctx, agentID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load shared memories: %w", err)
	}
	sharedPins, err := sc.store.GetSharedPinsForAgent(ctx, agentID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load shared pins: %w", err)
	}
	if len(sharedMemories) == 0 && len(sharedPins) == 0 {
		return "", 0, nil
	}

	type agentContent struct {
		memories []persistence.AgentMemory
		pins     []persistence.AgentPin
	}
	bySource := make(map[string]*agentContent)
	group := func(source string) *agentContent {
		if bySource[source] == nil {
			bySource[source] = &agentContent{}
		}
		return bySource[source]
	}
	for _, mem := range sharedMemories {
		g := group(mem.AgentID)
		g.memories = append(g.memories, mem)
	}
	for _, pin := range sharedPins {
		g := group(pin.AgentID)
		g.pins = append(g.pins, pin)
	}

	// Stable source order keeps the rendered block (and its token count)
	// identical across calls.
	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var sb strings.Builder
	totalTokens := 0
	sb.WriteString("<shared_knowledge>\n")
	for _, source := range sources {
		content := bySource[source]
		sb.WriteString(fmt.Sprintf("From @%s:\n", source))

		for _, mem := range content.memories {
			line := fmt.Sprintf("%s: %s\n", mem.Key, mem.Value)
			sb.WriteString("  " + line)
			totalTokens += EstimateTokens(line)
		}
		for _, pin := range content.pins {
			label := pin.Source
			if pin.PinType == "file" {
				label = path.Base(strings.ReplaceAll(label, "\\", "/"))
			}
			sb.WriteString(fmt.Sprintf("  --- %s ---\n", label))
			sb.WriteString(fmt.Sprintf("  %s\n", pin.Content))
			totalTokens += pin.TokenCount + EstimateTokens(fmt.Sprintf("--- %s ---\n", label))
		}
	}
	sb.WriteString("</shared_knowledge>")

	return sb.String(), totalTokens, nil
}

// EstimateTokens mirrors the package-level estimator for callers holding
// only a SharedContext.
func (sc *SharedContext) EstimateTokens(text string) int {
	return EstimateTokens(text)
}
