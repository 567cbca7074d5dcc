package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns catches secret-shaped values inside free-form strings (log
// lines, error text, provider responses). Structural key-based redaction for
// event payloads lives in internal/eventlog; this layer is the string-level
// backstop for text that never had keys.
var secretPatterns = []*regexp.Regexp{
	// key=value / key: value with a key-like name and a long opaque value
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Anthropic / OpenAI style prefixed keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
	// UUID-shaped values behind token/secret labels
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact masks secret-shaped substrings, preserving the label so the line
// stays diagnosable. Idempotent: a placeholder never re-matches.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// sensitiveEnvFragments flags env var names whose values must never be
// printed, regardless of value shape.
var sensitiveEnvFragments = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue masks the value when the variable name looks secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, fragment := range sensitiveEnvFragments {
		if strings.Contains(keyLower, fragment) {
			return redactedPlaceholder
		}
	}
	return value
}
