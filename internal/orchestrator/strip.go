package orchestrator

import "strings"

// StripControlTokens truncates a model reply at the first control marker.
// Any `<|...|>` sequence (and anything after it) is dropped; plain text
// passes through untouched. Markers mid-sentence mean the model leaked
// internal tokens, and nothing after the leak is trustworthy.
func StripControlTokens(text string) string {
	idx := strings.Index(text, "<|")
	if idx < 0 {
		return text
	}
	return strings.TrimRight(text[:idx], " \t\n")
}
