package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// detectOllamaTools asks Ollama's native /api/show endpoint whether a model
// can do tool calling, so the brain can warn when tool adverts will be
// ignored. Any failure answers false. baseURL is the OpenAI-compat URL
// ending in /v1; the native API lives one level up. An "ollama/" model
// prefix is stripped, since Ollama wants bare model names.
func detectOllamaTools(baseURL, model string) bool {
	ollamaURL := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	model = strings.TrimPrefix(model, "ollama/")

	client := &http.Client{Timeout: 3 * time.Second}
	body := fmt.Sprintf(`{"model":%q}`, model)
	resp, err := client.Post(ollamaURL+"/api/show", "application/json", strings.NewReader(body))
	if err != nil {
		slog.Debug("ollama tool detection failed (connection)", "error", err, "model", model)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("ollama tool detection failed (status)", "status", resp.StatusCode, "model", model)
		return false
	}

	var result struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Debug("ollama tool detection failed (decode)", "error", err, "model", model)
		return false
	}

	supported := slices.Contains(result.Capabilities, "tools")
	slog.Info("ollama tool capability probed", "model", model, "tools", supported)
	return supported
}
