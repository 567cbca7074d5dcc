package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ollamaShowServer(t *testing.T, capabilities []string, gotModel *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if gotModel != nil {
			*gotModel = req.Model
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"capabilities": capabilities})
	}))
}

func TestDetectOllamaTools(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		srv := ollamaShowServer(t, []string{"completion", "tools"}, nil)
		defer srv.Close()
		if !detectOllamaTools(srv.URL+"/v1", "llama3.1:8b") {
			t.Fatal("expected tools supported")
		}
	})

	t.Run("not supported", func(t *testing.T) {
		srv := ollamaShowServer(t, []string{"completion"}, nil)
		defer srv.Close()
		if detectOllamaTools(srv.URL+"/v1", "gemma:2b") {
			t.Fatal("expected tools unsupported")
		}
	})

	t.Run("strips ollama prefix", func(t *testing.T) {
		var got string
		srv := ollamaShowServer(t, []string{"tools"}, &got)
		defer srv.Close()
		detectOllamaTools(srv.URL+"/v1", "ollama/qwen3:8b")
		if got != "qwen3:8b" {
			t.Fatalf("model sent = %q, want bare qwen3:8b", got)
		}
	})

	t.Run("unreachable answers false", func(t *testing.T) {
		if detectOllamaTools("http://127.0.0.1:1/v1", "any") {
			t.Fatal("expected false when nothing listens")
		}
	})
}
