package tools

import (
	"strings"
	"testing"
)

func TestExtractComparisonProducts(t *testing.T) {
	cases := []struct {
		prompt string
		wantA  string
		wantB  string
	}{
		{"compare price of RTX 5090 vs RTX 4090", "RTX 5090", "RTX 4090"},
		{"iPhone 15 versus Galaxy S24 price", "iPhone 15", "Galaxy"},
		{"compare price of GTX 1080 and GTX 3090", "GTX 1080", "GTX 3090"},
		{"no products here", "", ""},
	}
	for _, tc := range cases {
		gotA, gotB := ExtractComparisonProducts(tc.prompt)
		if gotA != tc.wantA || gotB != tc.wantB {
			t.Errorf("ExtractComparisonProducts(%q) = (%q, %q), want (%q, %q)",
				tc.prompt, gotA, gotB, tc.wantA, tc.wantB)
		}
	}
}

func TestFindDollarNumbers(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"The RTX 5090 costs $1,999.99 and the RTX 4090 is $1,599", 2},
		{"No prices here", 0},
		{"$100 and $200 and $300", 3},
		{"$0.99", 1},
	}
	for _, tc := range cases {
		if got := FindDollarNumbers(tc.input); len(got) != tc.want {
			t.Errorf("FindDollarNumbers(%q) = %v, want %d prices", tc.input, got, tc.want)
		}
	}
}

func TestFirstPriceNear(t *testing.T) {
	text := "RTX 5090 is available for $1,999.99\nRTX 4090 costs $1,599.00\nSome other line"
	cases := []struct {
		anchor string
		want   string
	}{
		{"RTX 5090", "$1,999.99"},
		{"RTX 4090", "$1,599.00"},
		{"RTX 3080", ""},
	}
	for _, tc := range cases {
		if got := FirstPriceNear(text, tc.anchor); got != tc.want {
			t.Errorf("FirstPriceNear(_, %q) = %q, want %q", tc.anchor, got, tc.want)
		}
	}
}

func TestComparePrices_NilPolicyDenies(t *testing.T) {
	reg := &Registry{Policy: nil}
	_, err := comparePrices(nil, PriceComparisonInput{
		Prompt:    "compare price of RTX 5090 vs RTX 4090",
		SessionID: "test-session",
	}, reg)
	if err == nil {
		t.Fatal("missing policy must fail closed")
	}
	if !strings.Contains(err.Error(), "policy denied") {
		t.Errorf("expected policy denial, got: %v", err)
	}
}
