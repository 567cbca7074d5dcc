package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RememberFactArgs is the input for the remember_fact tool.
type RememberFactArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MemoryCreatedEvent is published on topic "memory.created" so channel
// surfaces can tell the user what the agent just committed to memory.
type MemoryCreatedEvent struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Source  string `json:"source"` // "user" or "agent"
}

const RememberFactToolName = "remember_fact"

// RememberFactToolDefinition is the tool schema, shaped for OpenAI/genkit
// style tool specifications.
func RememberFactToolDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":        RememberFactToolName,
		"description": "Store an important fact or decision for future reference. Use this when you learn something worth remembering about the user, project, or their preferences. Examples: 'project uses Go 1.22', 'user prefers tabs', 'database is PostgreSQL 15'. Do NOT use for trivial or temporary information.",
		"parameters": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key": map[string]interface{}{
					"type":        "string",
					"description": "Short descriptive key (e.g., 'preferred_language', 'project_db', 'code_style')",
				},
				"value": map[string]interface{}{
					"type":        "string",
					"description": "The fact to remember (e.g., 'Go 1.22', 'PostgreSQL 15', 'prefers tabs over spaces')",
				},
			},
			"required": []string{"key", "value"},
		},
	}
}

// Store is the persistence slice the handler needs.
type Store interface {
	SetMemory(ctx context.Context, agentID, key, value, source string) error
}

// Bus is the notification slice the handler needs.
type Bus interface {
	Publish(event interface{})
}

// RememberFactHandler persists a remembered fact and notifies the user
// asynchronously.
type RememberFactHandler struct {
	Store Store
	Bus   Bus
}

func (h *RememberFactHandler) Handle(ctx context.Context, agentID string, input json.RawMessage) (string, error) {
	var args RememberFactArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Key == "" || args.Value == "" {
		return "", fmt.Errorf("key and value are required")
	}

	if err := h.Store.SetMemory(ctx, agentID, args.Key, args.Value, "agent"); err != nil {
		return "", fmt.Errorf("failed to save memory: %w", err)
	}

	// Notification is best-effort and must not hold up the tool result.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in async publish", "recover", r)
			}
		}()
		h.Bus.Publish(MemoryCreatedEvent{
			AgentID: agentID,
			Key:     args.Key,
			Value:   args.Value,
			Source:  "agent",
		})
	}()

	return fmt.Sprintf("Remembered: %s = %s", args.Key, args.Value), nil
}
