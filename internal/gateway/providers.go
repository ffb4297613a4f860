package gateway

import (
	"context"
	"fmt"
	"sort"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/agent/providers"
	"github.com/haasonsaas/chatturn/internal/config"
	"github.com/haasonsaas/chatturn/internal/retry"
)

// buildCatalog creates every configured provider. Providers are added in
// name order so the default model is stable when none is configured.
func buildCatalog(ctx context.Context, cfg config.LLMConfig) (*agent.Catalog, error) {
	catalog := agent.NewCatalog()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	policy := retryConfig(cfg.Retry)
	for _, name := range names {
		pc := cfg.Providers[name]
		provider, err := newProvider(ctx, name, pc, policy)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		catalog.Add(provider)
	}

	if cfg.DefaultModel != "" {
		if _, _, ok := catalog.Resolve(cfg.DefaultModel); !ok {
			return nil, fmt.Errorf("llm.default_model %q is not served by any provider", cfg.DefaultModel)
		}
		catalog.SetDefault(cfg.DefaultModel)
	}
	return catalog, nil
}

func newProvider(ctx context.Context, name string, pc config.LLMProviderConfig, policy retry.Config) (agent.LLMProvider, error) {
	models := modelList(pc.Models)
	switch name {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Models:  models,
			Retry:   policy,
		})
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Models:  models,
			Retry:   policy,
		})
	case "google":
		return providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Models:  models,
			Retry:   policy,
		})
	default:
		return nil, fmt.Errorf("unknown provider")
	}
}

func modelList(in []config.ModelConfig) []agent.Model {
	if len(in) == 0 {
		return nil
	}
	out := make([]agent.Model, 0, len(in))
	for _, m := range in {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, agent.Model{ID: m.ID, Name: name, Description: m.Description, ContextSize: m.ContextSize})
	}
	return out
}

func retryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Factor:       rc.Factor,
		Jitter:       rc.Jitter,
	}
}
