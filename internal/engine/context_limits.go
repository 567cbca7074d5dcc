package engine

import "strings"

// reservedTokens is held back from every context window for the system
// prompt, tool schemas, and the response itself.
const reservedTokens = 10_000

// modelWindows lists known context windows by model-id prefix; longest
// matching prefix wins.
var modelWindows = []struct {
	prefix string
	window int
}{
	{"gemini-", 1_048_576},
	{"claude-", 200_000},
	{"gpt-4", 128_000},
	{"o1", 128_000},
	{"o3", 128_000},
	{"llama-3.1-70b", 131_072},
	{"mistral-large", 128_000},
}

// providerWindows is the fallback when the model id is unrecognized.
var providerWindows = map[string]int{
	"google":     1_048_576,
	"anthropic":  200_000,
	"openai":     128_000,
	"openrouter": 128_000, // varies per model; safe modern baseline
}

// ContextLimitForModel returns the context window for provider/model,
// falling back to the provider default and finally a conservative 128k.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	best, bestLen := 0, 0
	for _, mw := range modelWindows {
		if strings.HasPrefix(model, mw.prefix) && len(mw.prefix) > bestLen {
			best, bestLen = mw.window, len(mw.prefix)
		}
	}
	if best > 0 {
		return best
	}
	if w, ok := providerWindows[provider]; ok {
		return w
	}
	return 128_000
}
