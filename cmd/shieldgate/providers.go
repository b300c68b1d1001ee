/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Registers one provider.Provider per <PROVIDER>_API_KEY
             environment variable that is actually set, the same
             upper-cased "<name>_API_KEY" convention security.go uses
             to look up provider credentials. A deployment only pays
             for the providers it has keys for.
Root Cause:  Composition-root provider wiring.
Suitability: L2 — construction boilerplate, no business logic.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/provider"
)

func registerProviders(logger zerolog.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	type ctor struct {
		envKey string
		build  func(cfg provider.ProviderConfig) provider.Provider
	}

	ctors := []ctor{
		{"OPENAI_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewOpenAIProvider(cfg) }},
		{"ANTHROPIC_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewAnthropicProvider(cfg) }},
		{"GEMINI_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewGeminiProvider(cfg) }},
		{"GROQ_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewGroqProvider(cfg) }},
		{"MISTRAL_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewMistralProvider(cfg) }},
		{"COHERE_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewCohereProvider(cfg) }},
		{"TOGETHER_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewTogetherProvider(cfg) }},
		{"AZURE_OPENAI_API_KEY", func(cfg provider.ProviderConfig) provider.Provider { return provider.NewAzureOpenAIProvider(cfg) }},
	}

	for _, c := range ctors {
		apiKey := os.Getenv(c.envKey)
		if apiKey == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(c.envKey, "_API_KEY"))
		p := c.build(provider.ProviderConfig{Name: name, APIKey: apiKey})
		registry.Register(p)
		logger.Info().Str("provider", p.Name()).Msg("registered provider")
	}

	// Ollama and vLLM are self-hosted and need no API key, only a
	// reachable base URL; enabled whenever that URL is configured.
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		registry.Register(provider.NewOllamaProvider(provider.ProviderConfig{Name: "ollama", BaseURL: baseURL}))
		logger.Info().Str("provider", "ollama").Msg("registered provider")
	}
	if baseURL := os.Getenv("VLLM_BASE_URL"); baseURL != "" {
		registry.Register(provider.NewVLLMProvider(provider.ProviderConfig{Name: "vllm", BaseURL: baseURL}))
		logger.Info().Str("provider", "vllm").Msg("registered provider")
	}

	return registry
}
