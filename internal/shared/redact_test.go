package shared

import "testing"

func TestRedact(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"bearer token", "Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"key-value pair", "api_key=abcdef1234567890abcdef", "api_key[REDACTED]"},
		{"google key", "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx", "key is [REDACTED]"},
		{"prefixed sdk key", "using sk-ant-REDACTED now", "using [REDACTED] now"},
		{"uuid token", `token: "123e4567-e89b-12d3-a456-426614174000"`, "token[REDACTED]"},
		{"plain text untouched", "this is a normal log message", "this is a normal log message"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Redact(tc.input); got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRedact_Idempotent(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0 and api_key=abcdef1234567890abcdef"
	once := Redact(input)
	if Redact(once) != once {
		t.Fatalf("redaction must be idempotent, got %q then %q", once, Redact(once))
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"GEMINI_API_KEY", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"DB_CREDENTIALS", "u:p", "[REDACTED]"},
		{"LOG_LEVEL", "info", "info"},
		{"APP_DB", "substrate.db", "substrate.db"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}
