package engine

import "strings"

// ErrorClass categorizes provider errors for failover decisions: some
// classes are worth retrying on another lane, some (auth, billing) are not.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// classPatterns maps each class to the message fragments that identify it.
// Order matters: auth markers are checked before rate-limit so an error like
// "403 quota" classifies as auth, its more actionable cause.
var classPatterns = []struct {
	class    ErrorClass
	markers  []string
}{
	{ErrorClassAuth, []string{"401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
}

// ClassifyError inspects the error text and returns the first matching
// class. Providers rarely expose typed errors through the SDK layers, so
// message matching is the only portable signal.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, cp := range classPatterns {
		for _, marker := range cp.markers {
			if strings.Contains(msg, marker) {
				return cp.class
			}
		}
	}
	return ErrorClassUnknown
}
