package tools

import (
	"context"
	"testing"
)

func TestBraveProvider_Metadata(t *testing.T) {
	p := NewBraveProvider("test-key")
	if p.Name() != "brave_search" {
		t.Errorf("name = %q", p.Name())
	}
	if got := p.Domains(); len(got) == 0 || got[0] != "api.search.brave.com" {
		t.Errorf("domains = %v", got)
	}
	if reqs := p.APIKeyReqs(); len(reqs) != 1 || reqs[0].ConfigKey != "brave_search" {
		t.Errorf("api key reqs = %v", reqs)
	}
}

func TestBraveProvider_Availability(t *testing.T) {
	if !NewBraveProvider("test-key").Available() {
		t.Error("keyed provider must be available")
	}
	if NewBraveProvider("").Available() {
		t.Error("keyless provider must be unavailable")
	}
}

func TestBraveProvider_SearchDeniedByEgressPolicy(t *testing.T) {
	p := NewBraveProvider("test-key")
	pol := fakePolicy{
		allowURL: false,
		allowCap: map[string]bool{"tools.web_search": true},
	}
	if _, err := p.Search(context.Background(), "test", pol); err == nil {
		t.Fatal("search must fail when the API domain is not allowlisted")
	}
}
