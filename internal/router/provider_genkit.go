package router

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig describes one provider lane: the provider/model/API-key
// shape of engine.BrainConfig without the agent-specific soul/skill fields
// the router has no use for.
type GenkitConfig struct {
	Provider string // "google", "anthropic", "openai", "openai_compatible", "openrouter"
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// genkitBrain is one provider lane. It deliberately never sets
// ai.WithMaxTurns above 1 and never attaches ai.WithTools: genkit's built-in
// multi-turn tool loop (used by engine.GenkitBrain) requires tools defined
// with a static Go generic input type, but the tools this router advertises
// are the dynamic, JSON-Schema-described ones registered at runtime by
// internal/toolruntime. Tool-calling here instead rides the textual
// convention parsed by parseToolCalls — see router.go.
type genkitBrain struct {
	name      string
	g         *genkit.Genkit
	modelName string
	llmOn     bool
}

// NewGenkitBrain initializes a single provider lane. Mirrors
// engine.NewGenkitBrain's provider switch, trimmed to init-only (no tool
// registry, no skills, no soul).
func NewGenkitBrain(ctx context.Context, name string, cfg GenkitConfig) *genkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	var modelName string
	llmOn := apiKey != ""

	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-5-20250929"
		}
		modelName = "anthropic/" + model
		if llmOn {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: os.Getenv("ANTHROPIC_BASE_URL")}))
		}
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		modelName = "openai/" + model
		if llmOn {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: os.Getenv("OPENAI_BASE_URL")}))
		}
	case "openai_compatible":
		modelName = model
		if llmOn {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
		}
	case "openrouter":
		modelName = model
		if llmOn {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: apiKey, BaseURL: "https://openrouter.ai/api/v1"}))
		}
	default: // "google"
		if model == "" {
			model = "gemini-2.5-flash"
		}
		modelName = "googleai/" + model
		if llmOn {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}), genkit.WithDefaultModel(modelName))
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
		llmOn = false
	}
	return &genkitBrain{name: name, g: g, modelName: modelName, llmOn: llmOn}
}

func (b *genkitBrain) Name() string { return b.name }

func toGenkitMessages(msgs []Message) []*ai.Message {
	var out []*ai.Message
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}
	return out
}

func (b *genkitBrain) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	if !b.llmOn {
		return GenerateOutput{}, fmt.Errorf("%s: no API key configured", b.name)
	}

	var prompt string
	var history []Message
	if n := len(in.Messages); n > 0 && in.Messages[n-1].Role == "user" {
		prompt = in.Messages[n-1].Content
		history = in.Messages[:n-1]
	} else {
		history = in.Messages
	}

	opts := []ai.GenerateOption{ai.WithModelName(b.modelName)}
	if in.System != "" {
		opts = append(opts, ai.WithSystem(in.System))
	}
	if msgs := toGenkitMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if prompt != "" {
		opts = append(opts, ai.WithPrompt(prompt))
	}
	if in.Temperature > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{Temperature: float64(in.Temperature)}))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		callCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	resp, err := genkit.Generate(callCtx, b.g, opts...)
	if err != nil {
		return GenerateOutput{}, fmt.Errorf("%s generate: %w", b.name, err)
	}

	text, calls := parseToolCalls(resp.Text())
	out := GenerateOutput{Text: text, ToolCalls: calls}
	if resp.FinishReason != "" {
		out.FinishReason = string(resp.FinishReason)
	}
	out.Usage.Model = b.modelName
	if resp.Usage != nil {
		out.Usage.PromptTokens = resp.Usage.InputTokens
		out.Usage.CompletionTokens = resp.Usage.OutputTokens
	}
	return out, nil
}

func (b *genkitBrain) HealthCheck(ctx context.Context) bool {
	if !b.llmOn {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := genkit.Generate(callCtx, b.g,
		ai.WithModelName(b.modelName),
		ai.WithPrompt("ping"),
		ai.WithConfig(&ai.GenerationCommonConfig{MaxOutputTokens: 1}),
	)
	return err == nil
}

// httpHealthCheck is a fallback probe for adapters that expose a plain health
// endpoint instead of going through genkit (used by non-LLM lanes in tests).
func httpHealthCheck(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := queueProbeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
