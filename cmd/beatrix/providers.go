package main

import (
	"fmt"
	"log/slog"

	"github.com/beatrix-ha/beatrix/internal/config"
	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/provider"
)

// buildProvider constructs the concrete LargeLanguageProvider driver named
// by pc.Kind. Both drivers live in internal/provider; this is the one place
// that maps config-file driver names to their constructors.
func buildProvider(pc config.ProviderConfig, logger *slog.Logger) (llmloop.LargeLanguageProvider, error) {
	switch pc.Kind {
	case "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// buildDefaultProvider resolves cfg's default_provider entry into a driver.
func buildDefaultProvider(cfg *config.Config, logger *slog.Logger) (llmloop.LargeLanguageProvider, error) {
	pc, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider)
	}
	return buildProvider(pc, logger)
}

// newProviderFactory closes over cfg so automations carrying an "@model
// driver/model" directive get a fresh provider for that combination. The
// driver names an entry in llm.providers; an empty driver resolves to the
// default provider entry with only the model overridden.
func newProviderFactory(cfg *config.Config, logger *slog.Logger) llmloop.ProviderFactory {
	return func(driver, model string) (llmloop.LargeLanguageProvider, error) {
		name := driver
		if name == "" {
			name = cfg.LLM.DefaultProvider
		}
		pc, ok := cfg.LLM.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm.providers missing entry for %q", name)
		}
		if model != "" {
			pc.DefaultModel = model
		}
		return buildProvider(pc, logger)
	}
}
