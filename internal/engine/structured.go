package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredValidator checks model replies against a compiled JSON Schema.
// In strict mode a reply with no JSON is an error; otherwise it passes
// through with a warning so the caller can fall back to plain text.
type StructuredValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
	maxRetries int
	strictMode bool
}

// NewStructuredValidator compiles the schema once up front; a malformed
// schema fails here, not on the first validation.
func NewStructuredValidator(schemaJSON json.RawMessage, maxRetries int, strict bool) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for range checks.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &StructuredValidator{
		schema:     schema,
		schemaJSON: schemaJSON,
		maxRetries: maxRetries,
		strictMode: strict,
	}, nil
}

// SchemaJSON returns the raw schema for provider-level injection.
func (sv *StructuredValidator) SchemaJSON() json.RawMessage { return sv.schemaJSON }

// MaxRetries returns the configured retry budget.
func (sv *StructuredValidator) MaxRetries() int { return sv.maxRetries }

// StructuredResult is one validation outcome.
type StructuredResult struct {
	Valid   bool
	Raw     string
	JSON    string
	Parsed  any
	Warning string
}

// ValidationError carries the raw reply alongside the failure so retry
// prompts can quote it back to the model.
type ValidationError struct {
	Message string
	Raw     string
	Parsed  any
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateResponse pulls JSON out of the reply text and validates it.
func (sv *StructuredValidator) ValidateResponse(responseText string) (*StructuredResult, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		if sv.strictMode {
			return nil, &ValidationError{
				Message: "response does not contain valid JSON",
				Raw:     responseText,
			}
		}
		return &StructuredResult{
			Valid:   false,
			Raw:     responseText,
			Warning: "no JSON found in response; passing through raw text",
		}, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     responseText,
		}
	}

	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     responseText,
			Parsed:  parsed,
		}
	}

	return &StructuredResult{Valid: true, Raw: responseText, JSON: jsonStr, Parsed: parsed}, nil
}

// extractJSON pulls a JSON object or array out of reply text, trying, in
// order: a ```json fence, a generic fence whose body parses, then the first
// balanced {...}/[...] run that parses.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + len("```\n")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the prefix of s that closes its opening brace or
// bracket, tracking string literals so braces inside strings don't count.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	var closer byte
	switch s[0] {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}
	opener := s[0]

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == opener:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// ValidateAndRetry validates a reply, and on failure feeds the error back to
// the brain for up to MaxRetries corrective rounds. A non-empty
// validationErr with nil err means the budget ran out; err is reserved for
// the retry generation itself failing.
func ValidateAndRetry(ctx context.Context, brain Brain, sessionID string, validator *StructuredValidator, responseText string) (validJSON string, parsed any, validationErr string, err error) {
	if validator == nil {
		return "", nil, "", nil
	}

	for attempt := 0; ; attempt++ {
		result, valErr := validator.ValidateResponse(responseText)
		if valErr == nil && result != nil && result.Valid {
			return result.JSON, result.Parsed, "", nil
		}

		var errMsg string
		switch {
		case valErr != nil:
			errMsg = valErr.Error()
		case result != nil:
			errMsg = result.Warning
		default:
			errMsg = "validation failed"
		}

		if attempt == validator.MaxRetries() {
			return "", nil, errMsg, nil
		}

		retryPrompt := fmt.Sprintf(
			"Your response did not match the required JSON schema. Error: %s\n\n"+
				"Please try again, ensuring your response contains valid JSON matching the schema.",
			errMsg,
		)
		responseText, err = brain.Respond(ctx, sessionID, retryPrompt)
		if err != nil {
			return "", nil, "", fmt.Errorf("retry generate: %w", err)
		}
	}
}
