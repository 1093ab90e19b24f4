package providers

import (
	"fmt"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/registry"
)

// Registry holds the provider integrations discovered from config.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// Discover builds an integration for every backend the config can
// reach. Ollama joins whenever it is named, with or without
// credentials: a local daemon needs none.
func Discover(cfg *config.Config) *Registry {
	r := NewRegistry()
	for _, name := range []string{
		config.ProviderOpenAI,
		config.ProviderAzure,
		config.ProviderAnthropic,
		config.ProviderGemini,
		config.ProviderOllama,
	} {
		creds, ok := cfg.Credentials(name)
		if !ok && !(name == config.ProviderOllama && cfg.Provider == config.ProviderOllama) {
			continue
		}
		if name != config.ProviderOllama && !creds.Configured() {
			continue
		}
		r.Put(name, newProvider(name, creds))
	}
	return r
}

func newProvider(name string, creds config.ProviderCredentials) Provider {
	switch name {
	case config.ProviderAzure:
		return NewOpenAIProvider(name, creds)
	case config.ProviderAnthropic:
		return NewAnthropicProvider(creds)
	case config.ProviderGemini:
		return NewGeminiProvider(creds)
	case config.ProviderOllama:
		return NewOllamaProvider(creds)
	default:
		return NewOpenAIProvider(config.ProviderOpenAI, creds)
	}
}

// Provider returns the named integration.
func (r *Registry) Provider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found (configured: %v)", name, r.Names())
	}
	return provider, nil
}

// Default resolves the backend the config elects for agent calls.
func (r *Registry) Default(cfg *config.Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("no provider configured")
	}
	return r.Provider(cfg.Provider)
}

// StructuredClient resolves the default backend's completion surface
// and the model agents should use with it.
func (r *Registry) StructuredClient(cfg *config.Config) (StructuredClient, string, error) {
	provider, err := r.Default(cfg)
	if err != nil {
		return nil, "", err
	}
	client, err := provider.StructuredClient()
	if err != nil {
		return nil, "", err
	}

	creds, _ := cfg.Credentials(provider.Name())
	model := creds.Model
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		model = DefaultModel(provider.Name())
	}
	return client, model, nil
}

// DefaultModel names the inexpensive classification model for each
// backend when the config does not pick one.
func DefaultModel(provider string) string {
	switch provider {
	case config.ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	case config.ProviderGemini:
		return defaultGeminiModel
	case config.ProviderOllama:
		return "llama3.2"
	default:
		return "gpt-4o-mini"
	}
}
