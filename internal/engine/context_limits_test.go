package engine

import "testing"

func TestContextLimitForModel(t *testing.T) {
	cases := []struct {
		provider string
		model    string
		want     int
	}{
		// Model prefix wins regardless of provider string.
		{"google", "gemini-2.5-flash", 1_048_576},
		{"google", "gemini-1.5-pro", 1_048_576},
		{"", "gemini-2.5-flash", 1_048_576},
		{"anthropic", "claude-3-5-sonnet-20241022", 200_000},
		{"anthropic", "claude-sonnet-4-5-20250929", 200_000},
		{"openai", "gpt-4o", 128_000},
		{"openai", "gpt-4o-mini", 128_000},
		{"openrouter", "mistral-large-latest", 128_000},

		// Unknown model falls back to the provider default.
		{"google", "unknown-model", 1_048_576},
		{"google", "", 1_048_576},
		{"anthropic", "", 200_000},
		{"openai", "gpt-3.5-turbo", 128_000},
		{"openai", "", 128_000},

		// Unknown everything: conservative floor.
		{"", "unknown-model", 128_000},
		{"somewhere", "", 128_000},
	}
	for _, tc := range cases {
		if got := ContextLimitForModel(tc.provider, tc.model); got != tc.want {
			t.Errorf("ContextLimitForModel(%q, %q) = %d, want %d", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestContextLimitForModel_NormalizesInput(t *testing.T) {
	if got := ContextLimitForModel("  Google ", " GEMINI-2.5-FLASH "); got != 1_048_576 {
		t.Fatalf("normalization failed: got %d", got)
	}
}
