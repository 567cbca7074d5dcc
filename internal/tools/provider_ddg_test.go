package tools

import "testing"

func TestDDGProvider_Metadata(t *testing.T) {
	p := NewDDGProvider()
	if p.Name() != "duckduckgo" {
		t.Errorf("name = %q", p.Name())
	}
	if !p.Available() {
		t.Error("keyless provider must always be available")
	}
	if got := p.Domains(); len(got) == 0 || got[0] != "html.duckduckgo.com" {
		t.Errorf("domains = %v", got)
	}
	if p.APIKeyReqs() != nil {
		t.Errorf("keyless provider must declare no key reqs, got %v", p.APIKeyReqs())
	}
}

func TestParseHTMLResults(t *testing.T) {
	html := `<a class="result__a" href="https://example.com">Example Title</a>
		<a class="result__snippet">Example snippet text</a>
		<a class="result__a" href="https://other.com">Other Title</a>
		<a class="result__snippet">Other snippet</a>`

	results := parseHTMLResults(html)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	first := results[0]
	if first.Title != "Example Title" || first.URL != "https://example.com" || first.Snippet != "Example snippet text" {
		t.Fatalf("first result wrong: %+v", first)
	}
}

func TestParseHTMLResults_UnwrapsRedirects(t *testing.T) {
	// DuckDuckGo wraps outbound links as /l/?uddg=<encoded-url>; results
	// must carry the real destination.
	html := `<a class="result__a" href="/l/?uddg=https%3A%2F%2Freal.com%2Fpage">Title</a>
		<a class="result__snippet">Snippet</a>`

	results := parseHTMLResults(html)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URL != "https://real.com/page" {
		t.Errorf("URL = %q, want unwrapped destination", results[0].URL)
	}
}
