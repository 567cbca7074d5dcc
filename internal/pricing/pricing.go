// Package pricing estimates the USD cost of a model run from its token
// usage, for the cost fields on model.run.end evidence.
package pricing

import "strings"

// rate is the per-million-token price pair for one model family.
type rate struct {
	promptUSD     float64
	completionUSD float64
}

// rates is keyed by model-id prefix. Provider lanes report dated ids
// ("claude-sonnet-4-5-20250929"), so lookup strips any "provider/" prefix
// and then takes the longest matching family prefix. Free local models are
// listed explicitly at zero so they are distinguishable from unknown ids.
var rates = map[string]rate{
	"gemini-2.5-flash-lite": {0, 0},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.0-flash-exp":  {0, 0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-3-7-sonnet":     {3.00, 15.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"gpt-4o":                {2.50, 10.00},
}

// EstimateCost returns the estimated USD cost of a run, or 0 when the model
// id matches no known family. Callers treat 0 as "unpriced", not "free".
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	r, ok := lookup(model)
	if !ok {
		return 0
	}
	const perMillion = 1_000_000
	return float64(promptTokens)/perMillion*r.promptUSD +
		float64(completionTokens)/perMillion*r.completionUSD
}

// Known reports whether the model id resolves to a priced family.
func Known(model string) bool {
	_, ok := lookup(model)
	return ok
}

func lookup(model string) (rate, bool) {
	id := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}
	var best string
	for prefix := range rates {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return rate{}, false
	}
	return rates[best], true
}
