// Package config loads the YAML-backed user configuration and the
// environment-driven runtime knobs (runtime.go). The YAML file holds what an
// operator edits by hand: providers, agents, channels, skills. Environment
// variables override individual fields after load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelDef is one entry in the built-in model catalog.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels is the model catalog per provider, the single source of
// truth for model defaults across packages.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-3-pro-preview", "Most capable, advanced reasoning"},
		{"gemini-3-flash-preview", "Balanced speed + frontier intelligence"},
		{"gemini-2.5-pro", "Strong reasoning, complex STEM tasks"},
		{"gemini-2.5-flash", "Fast, cost-effective"},
		{"gemini-2.5-flash-lite", "Ultra-fast, lowest cost"},
	},
	"anthropic": {
		{"claude-opus-4-6", "Most capable"},
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai": {
		{"o3", "Advanced reasoning"},
		{"o4-mini", "Fast reasoning"},
		{"gpt-4o", "Versatile, multimodal"},
		{"gpt-4o-mini", "Fast, cost-effective"},
	},
	"openrouter": {
		{"anthropic/claude-sonnet-4-5-20250929", "Claude Sonnet (via OpenRouter)"},
		{"openai/gpt-4o", "GPT-4o (via OpenRouter)"},
		{"meta-llama/llama-3.1-70b-instruct", "Llama 3.1 70B"},
		{"mistralai/mistral-large-latest", "Mistral Large"},
	},
}

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"` // user-added, merged with built-ins
}

// LLMProviderConfig selects the active provider pair and its failover
// behavior. The router builds its primary lane from Provider and its
// fallback lane from the first entry of FallbackProviders.
type LLMProviderConfig struct {
	Provider string `yaml:"provider"` // "google", "anthropic", "openai", "openai_compatible", "openrouter"

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders is the ordered list tried when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is consecutive failures before a lane's circuit
	// breaker trips; FailoverCooldownSeconds is how long it stays open.
	FailoverThreshold       int `yaml:"failover_threshold"`
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

type SkillsConfig struct {
	ProjectDir string   `yaml:"project_dir"`
	ExtraDirs  []string `yaml:"extra_dirs"`
	LegacyMode bool     `yaml:"legacy_mode"`
}

type ShellConfig struct {
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
}

type ToolsConfig struct {
	Shell ShellConfig `yaml:"shell"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// AgentConfigEntry defines a named worker agent created on startup.
type AgentConfigEntry struct {
	AgentID            string   `yaml:"agent_id"`
	DisplayName        string   `yaml:"display_name"`
	Provider           string   `yaml:"provider"`
	Model              string   `yaml:"model"`
	APIKeyEnv          string   `yaml:"api_key_env"`
	Soul               string   `yaml:"soul"`
	SoulFile           string   `yaml:"soul_file"`
	WorkerCount        int      `yaml:"worker_count"`
	TaskTimeoutSeconds int      `yaml:"task_timeout_seconds"`
	MaxQueueDepth      int      `yaml:"max_queue_depth"`
	SkillsFilter       []string `yaml:"skills_filter"`
	PreferredSearch    string   `yaml:"preferred_search"`
	Capabilities       []string `yaml:"capabilities,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	LogLevel           string `yaml:"log_level"`

	LLM LLMProviderConfig `yaml:"llm"`

	// Deprecated: use LLM.Provider instead.
	LLMProvider string `yaml:"llm_provider"`
	// Deprecated: use LLM.GeminiModel instead.
	GeminiModel string `yaml:"gemini_model"`
	// Deprecated: use LLMProviderAPIKey("google") instead.
	GeminiAPIKey string `yaml:"gemini_api_key"`

	// APIKeys holds keys for tools and integrations, keyed by integration
	// name. Env vars override: BRAVE_API_KEY -> api_keys["brave_search"].
	APIKeys map[string]string `yaml:"api_keys"`

	// Providers holds per-provider API keys, endpoints, and extra models.
	Providers map[string]ProviderConfig `yaml:"providers"`

	AgentName  string `yaml:"agent_name"`
	AgentEmoji string `yaml:"agent_emoji"`

	// SOUL and AGENTS are the operator-authored persona and roster notes,
	// loaded from SOUL.md / AGENTS.md in the home directory.
	SOUL   string `yaml:"-"`
	AGENTS string `yaml:"-"`

	// PreferredSearch names the search provider to try first. Empty uses
	// the default order brave -> perplexity -> duckduckgo.
	PreferredSearch string `yaml:"preferred_search"`

	// MaxQueueDepth is the pending-task ceiling before backpressure;
	// 0 means unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// Retention cuts, in days; 0 keeps forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays   int `yaml:"retention_messages_days"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	// DelegationMaxHops bounds delegation chain depth. Must stay below
	// every agent's worker count or a full chain can deadlock the pool.
	DelegationMaxHops int `yaml:"delegation_max_hops"`

	Skills   SkillsConfig       `yaml:"skills"`
	Tools    ToolsConfig        `yaml:"tools"`
	Channels ChannelsConfig     `yaml:"channels"`
	Agents   []AgentConfigEntry `yaml:"agents"`

	// FirstRun is set when no config.yaml existed and defaults are active.
	FirstRun bool `yaml:"-"`
}

// LoopConfig bounds an autonomous agent loop: step/token/wall-clock caps,
// checkpoint cadence, and the keyword whose appearance in a reply ends the
// loop early.
type LoopConfig struct {
	Enabled            bool   `yaml:"enabled"`
	MaxSteps           int    `yaml:"max_steps"`
	MaxTokens          int    `yaml:"max_tokens"`
	MaxDuration        string `yaml:"max_duration"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	TerminationKeyword string `yaml:"termination_keyword"`
}

// APIKey returns the named integration key, env override first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search":      "BRAVE_API_KEY",
		"perplexity_search": "PERPLEXITY_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// NormalizeProviderName collapses provider aliases onto their canonical
// name ("gemini"/"googleai" are both the google provider).
func NormalizeProviderName(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gemini", "googleai", "google":
		return "google"
	default:
		return strings.ToLower(strings.TrimSpace(provider))
	}
}

// LLMProviderAPIKey returns the API key for an LLM provider, env override
// first, then the providers map, then the deprecated gemini_api_key.
// Ollama is keyless; a fixed placeholder keeps downstream "key present"
// checks satisfied.
func (c Config) LLMProviderAPIKey(provider string) string {
	if provider == "ollama" {
		return "ollama"
	}
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	if provider == "google" && c.GeminiAPIKey != "" {
		return c.GeminiAPIKey
	}
	return ""
}

// ResolveLLMConfig returns the effective (provider, model, apiKey) triple,
// folding the deprecated top-level fields into the llm block.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	switch {
	case c.LLM.Provider != "":
		provider = c.LLM.Provider
	case c.LLMProvider != "":
		provider = c.LLMProvider
	default:
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter", "ollama":
		model = c.LLM.OpenAIModel
	case "google":
		if c.LLM.GeminiModel != "" {
			model = c.LLM.GeminiModel
		} else {
			model = c.GeminiModel
		}
	}

	return provider, model, c.LLMProviderAPIKey(provider)
}

// ConfigPath returns the config.yaml path within a home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetAPIKey updates one API key in config.yaml, preserving other settings
// by round-tripping through the raw map rather than the typed struct.
func SetAPIKey(homeDir, name, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	apiKeys, _ := raw["api_keys"].(map[string]interface{})
	if apiKeys == nil {
		apiKeys = make(map[string]interface{})
	}
	apiKeys[name] = value
	raw["api_keys"] = apiKeys
	return saveRawConfig(configPath, raw)
}

func defaultConfig() Config {
	return Config{
		WorkerCount:              16,
		TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
		LogLevel:                 "info",
		MaxQueueDepth:            100,
		RetentionTaskEventsDays:  90,
		RetentionAuditLogDays:    365,
		RetentionMessagesDays:    90,
		HeartbeatIntervalMinutes: 30,
		Skills: SkillsConfig{
			ProjectDir: "./skills",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SUBSTRATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".substrate")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create substrate home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validateDelegation(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "google"
	}
	cfg.LLMProvider = NormalizeProviderName(cfg.LLMProvider)
	if cfg.GeminiModel == "" {
		if models, ok := BuiltinModels["google"]; ok && len(models) > 0 {
			cfg.GeminiModel = models[0].ID
		} else {
			cfg.GeminiModel = "gemini-2.5-flash"
		}
	}
	if strings.TrimSpace(cfg.Skills.ProjectDir) == "" {
		cfg.Skills.ProjectDir = "./skills"
	}

	// Fold the deprecated gemini_api_key into the providers map.
	if cfg.GeminiAPIKey != "" {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		p := cfg.Providers["google"]
		if p.APIKey == "" {
			p.APIKey = cfg.GeminiAPIKey
			cfg.Providers["google"] = p
		}
	}

	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
}

// validateDelegation rejects configurations where a full delegation chain
// could consume every worker: with all workers blocked waiting on delegated
// tasks, nothing is left to run them. Keeping DelegationMaxHops at most
// worker_count-1 guarantees one worker is always free.
func validateDelegation(cfg *Config) error {
	if cfg.DelegationMaxHops == 0 {
		cfg.DelegationMaxHops = 2
	}

	for _, agent := range cfg.Agents {
		agentWorkers := agent.WorkerCount
		if agentWorkers == 0 {
			agentWorkers = cfg.WorkerCount
		}
		if cfg.DelegationMaxHops > agentWorkers-1 {
			return fmt.Errorf("delegation_max_hops (%d) must be <= worker_count-1 (%d) for agent %s to prevent deadlock",
				cfg.DelegationMaxHops, agentWorkers-1, agent.AgentID)
		}
	}

	if cfg.DelegationMaxHops > cfg.WorkerCount-1 {
		return fmt.Errorf("delegation_max_hops (%d) must be <= default worker_count-1 (%d) to prevent deadlock",
			cfg.DelegationMaxHops, cfg.WorkerCount-1)
	}

	return nil
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first. Unlike LLMProviderAPIKey, google maps to GEMINI_API_KEY
// (the name the genkit plugin reads).
func (c Config) ProviderAPIKey(provider string) string {
	if provider == "ollama" {
		return "ollama"
	}
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	if provider == "google" {
		return c.GeminiAPIKey
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SUBSTRATE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("SUBSTRATE_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SUBSTRATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SUBSTRATE_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.GeminiAPIKey = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.GeminiModel = raw
	}
	if raw := os.Getenv("SUBSTRATE_AGENT_NAME"); raw != "" {
		cfg.AgentName = raw
	}
	if raw := os.Getenv("SUBSTRATE_AGENT_EMOJI"); raw != "" {
		cfg.AgentEmoji = raw
	}
	for env, key := range map[string]string{
		"BRAVE_API_KEY":      "brave_search",
		"PERPLEXITY_API_KEY": "perplexity_search",
		"OPENROUTER_API_KEY": "openrouter",
	} {
		if raw := os.Getenv(env); raw != "" {
			if cfg.APIKeys == nil {
				cfg.APIKeys = make(map[string]string)
			}
			cfg.APIKeys[key] = raw
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "SOUL.md")); err == nil {
		cfg.SOUL = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "AGENTS.md")); err == nil {
		cfg.AGENTS = string(b)
	}
}
