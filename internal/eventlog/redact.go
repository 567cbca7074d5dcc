package eventlog

import "strings"

// sensitiveKeys is the fixed set of payload keys that are never persisted in
// the clear, checked case-insensitively. Comparison happens before any value
// is serialized, so a secret can never leak through a stringified blob.
var sensitiveKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"password":      {},
	"api_key":       {},
	"authorization": {},
	"phone":         {},
	"qrcode":        {},
	"code":          {},
	"pairing_code":  {},
	"qr_code":       {},
}

const redactedPlaceholder = "[REDACTED]"

func isSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// RedactPayload walks a decoded JSON value (map[string]any / []any / scalars)
// structurally and replaces every value keyed by a sensitive key with
// redactedPlaceholder. It never serializes-then-regexes, so a secret
// embedded in an unusual key casing or nesting is still caught. Idempotent:
// RedactPayload(RedactPayload(x)) == RedactPayload(x).
func RedactPayload(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = RedactPayload(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = RedactPayload(item)
		}
		return out
	default:
		return v
	}
}
