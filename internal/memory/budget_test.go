package memory

import (
	"strings"
	"testing"
)

func TestContextBudget_Format(t *testing.T) {
	full := &ContextBudget{
		ModelLimit:     128000,
		OutputBuffer:   4096,
		Available:      123904,
		SoulTokens:     850,
		MemoryTokens:   120,
		MemoryCount:    3,
		PinTokens:      2400,
		PinCount:       2,
		SharedTokens:   480,
		SharedMemCount: 1,
		SharedPinCount: 1,
		SummaryTokens:  380,
		TruncatedCount: 45,
		MessageTokens:  3200,
		MessageCount:   12,
		TotalUsed:      7430,
		Remaining:      116474,
	}

	got := full.Format("coder", "gemini-2.5-pro")
	for _, want := range []string{
		"@coder", "gemini-2.5-pro", "123904", // header
		"Soul", "Memory", "Pinned", "Shared", "Summary", "Messages", // sections
		"7430", "116474", // totals
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted budget missing %q:\n%s", want, got)
		}
	}
}

func TestContextBudget_Format_OmitsEmptySections(t *testing.T) {
	bare := &ContextBudget{Available: 1000, TotalUsed: 0, Remaining: 1000}
	got := bare.Format("writer", "gpt-4o-mini")
	for _, absent := range []string{"Soul", "Pinned", "Shared", "Summary"} {
		if strings.Contains(got, absent) {
			t.Errorf("empty section %q should be omitted:\n%s", absent, got)
		}
	}
}

func TestContextBudget_Percentage(t *testing.T) {
	cases := []struct {
		available, used int
		want            float64
	}{
		{100, 0, 0},
		{100, 50, 50},
		{100, 100, 100},
		{0, 50, 0}, // zero window never divides
	}
	for _, tc := range cases {
		b := &ContextBudget{Available: tc.available, TotalUsed: tc.used}
		if got := b.Percentage(); got != tc.want {
			t.Errorf("Percentage(%d/%d) = %f, want %f", tc.used, tc.available, got, tc.want)
		}
	}
}

func TestContextBudget_IsLow(t *testing.T) {
	cases := []struct {
		remaining int
		want      bool
	}{
		{9, true},   // under the 10% line
		{10, false}, // exactly on it
		{20, false},
	}
	for _, tc := range cases {
		b := &ContextBudget{Available: 100, Remaining: tc.remaining}
		if got := b.IsLow(); got != tc.want {
			t.Errorf("IsLow(remaining=%d) = %v, want %v", tc.remaining, got, tc.want)
		}
	}
}
