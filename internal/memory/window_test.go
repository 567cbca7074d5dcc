package memory

import "testing"

func repeatedMessages(n, tokens int) []WindowMessage {
	msgs := make([]WindowMessage, n)
	for i := range msgs {
		msgs[i] = WindowMessage{Role: "user", Content: "msg", Tokens: tokens}
	}
	return msgs
}

func TestBuildWindow(t *testing.T) {
	cfg := DefaultWindowConfig()

	cases := []struct {
		name        string
		messages    []WindowMessage
		summary     string
		wantKept    int
		wantTrunc   int
		wantSummary bool
	}{
		{"empty input", nil, "", 0, 0, false},
		{"everything fits", []WindowMessage{
			{Role: "user", Content: "hi", Tokens: 1},
			{Role: "assistant", Content: "hello", Tokens: 2},
		}, "", 2, 0, false},
		{"message cap cuts the oldest", repeatedMessages(60, 1), "", 50, 10, false},
		{"summary carried through", []WindowMessage{
			{Role: "user", Content: "test", Tokens: 2},
		}, "previous conversation summary", 1, 0, true},
		{"one big message still fits", []WindowMessage{
			{Role: "user", Content: "a", Tokens: 100},
		}, "", 1, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := BuildWindow(tc.messages, tc.summary, cfg)
			if len(result.Messages) != tc.wantKept {
				t.Errorf("kept %d messages, want %d", len(result.Messages), tc.wantKept)
			}
			if result.TruncatedCount != tc.wantTrunc {
				t.Errorf("truncated %d, want %d", result.TruncatedCount, tc.wantTrunc)
			}
			if tc.wantSummary && result.Summary == "" {
				t.Error("summary was dropped")
			}
		})
	}
}

func TestBuildWindow_KeepsNewestAndOrder(t *testing.T) {
	msgs := []WindowMessage{
		{Role: "user", Content: "oldest", Tokens: 4000},
		{Role: "assistant", Content: "middle", Tokens: 1},
		{Role: "user", Content: "newest", Tokens: 1},
	}
	// Budget: 8000 - 2000 - 500 = 5500; all three fit (4002). Shrink the
	// ceiling so the oldest falls out.
	cfg := DefaultWindowConfig()
	cfg.MaxTokens = 3000 // budget 500 after reservations

	result := BuildWindow(msgs, "", cfg)
	if len(result.Messages) != 2 {
		t.Fatalf("kept %d, want the 2 newest", len(result.Messages))
	}
	if result.Messages[0].Content != "middle" || result.Messages[1].Content != "newest" {
		t.Fatalf("order mangled: %+v", result.Messages)
	}
	if result.TruncatedCount != 1 {
		t.Fatalf("truncated = %d, want 1", result.TruncatedCount)
	}
}
