package tools

import (
	"strings"
	"testing"
)

func providerNames(ps []SearchProvider) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}

func TestBuildProviders_Ordering(t *testing.T) {
	cases := []struct {
		name      string
		keys      map[string]string
		preferred string
		wantFirst string
	}{
		{"default order leads with brave", map[string]string{"brave_search": "bk", "perplexity_search": "pk"}, "", "brave_search"},
		{"preference pulls perplexity forward", map[string]string{"perplexity_search": "pk"}, "perplexity_search", "perplexity_search"},
		{"preference pulls ddg forward", nil, "duckduckgo", "duckduckgo"},
		{"preferring the default first is a no-op", nil, "brave_search", "brave_search"},
		{"unknown preference keeps default order", nil, "nonexistent", "brave_search"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			providers := buildProviders(tc.keys, tc.preferred)
			if len(providers) != 3 {
				t.Fatalf("expected all 3 providers, got %v", providerNames(providers))
			}
			if providers[0].Name() != tc.wantFirst {
				t.Errorf("order = %v, want %s first", providerNames(providers), tc.wantFirst)
			}
		})
	}
}

func TestBuildProviders_DefaultFallbackChain(t *testing.T) {
	providers := buildProviders(map[string]string{"brave_search": "bk", "perplexity_search": "pk"}, "")
	want := []string{"brave_search", "perplexity_search", "duckduckgo"}
	got := providerNames(providers)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain = %v, want %v", got, want)
		}
	}
}

func TestNewRegistry_BuildsProviders(t *testing.T) {
	reg := NewRegistry(nil, map[string]string{"brave_search": "bk"}, "")
	if len(reg.Providers) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(reg.Providers))
	}
	if reg.Providers[0].Name() != "brave_search" {
		t.Errorf("first provider = %q", reg.Providers[0].Name())
	}
}

func TestHtmlToText(t *testing.T) {
	cases := []struct {
		name    string
		html    string
		want    []string
		exclude []string
	}{
		{"strips script tags", `<p>Hello</p><script>alert("xss")</script><p>World</p>`, []string{"Hello", "World"}, []string{"alert"}},
		{"strips style tags", `<style>.x{color:red}</style><p>Content</p>`, []string{"Content"}, []string{"color"}},
		{"decodes entities", `<p>A &amp; B &lt; C &gt; D &quot;E&quot; F&#39;s</p>`, []string{`A & B < C > D "E" F's`}, nil},
		{"block tags keep both lines", `<div>Line1</div><div>Line2</div>`, []string{"Line1", "Line2"}, nil},
		{"strips remaining tags", `<span class="x">Text</span><a href="url">Link</a>`, []string{"Text", "Link"}, []string{"<"}},
		{"strips comments", `<!-- hidden -->Visible`, []string{"Visible"}, []string{"hidden"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := htmlToText(tc.html)
			for _, want := range tc.want {
				if !strings.Contains(got, want) {
					t.Errorf("missing %q in %q", want, got)
				}
			}
			for _, banned := range tc.exclude {
				if strings.Contains(got, banned) {
					t.Errorf("%q leaked into %q", banned, got)
				}
			}
		})
	}
}
