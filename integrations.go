package memori

import (
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v2"
	openaiopt "github.com/openai/openai-go/v2/option"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/providers"
)

// OpenAIMiddleware returns the middleware to install on a host-owned
// OpenAI (or Azure OpenAI) client via option.WithMiddleware. It stays
// dormant until the auto pattern is enabled, so it can be installed at
// client construction and toggled later.
func (m *Memori) OpenAIMiddleware() (openaiopt.Middleware, error) {
	p, err := m.openAIProvider()
	if err != nil {
		return nil, err
	}
	return p.Middleware(), nil
}

// WrappedOpenAIClient returns a ready OpenAI client with interception
// pre-armed: every chat completion through it is injected and
// recorded. Extra options are appended after the credentials, so hosts
// can override the base URL or HTTP client.
func (m *Memori) WrappedOpenAIClient(extra ...openaiopt.RequestOption) (openai.Client, error) {
	p, err := m.openAIProvider()
	if err != nil {
		return openai.Client{}, err
	}
	ic, err := m.wrapperInterceptor(p.Name())
	if err != nil {
		return openai.Client{}, err
	}
	return p.NewWrappedClient(ic, extra...), nil
}

// AnthropicMiddleware returns the middleware to install on a
// host-owned Anthropic client.
func (m *Memori) AnthropicMiddleware() (anthropicopt.Middleware, error) {
	p, err := providerAs[*providers.AnthropicProvider](m.registry, config.ProviderAnthropic)
	if err != nil {
		return nil, err
	}
	return p.Middleware(), nil
}

// WrappedAnthropicClient returns a ready Anthropic client with
// interception pre-armed.
func (m *Memori) WrappedAnthropicClient(extra ...anthropicopt.RequestOption) (anthropic.Client, error) {
	p, err := providerAs[*providers.AnthropicProvider](m.registry, config.ProviderAnthropic)
	if err != nil {
		return anthropic.Client{}, err
	}
	ic, err := m.wrapperInterceptor(config.ProviderAnthropic)
	if err != nil {
		return anthropic.Client{}, err
	}
	return p.NewWrappedClient(ic, extra...), nil
}

// WrappedGeminiClient returns the Gemini wrapper, the "magic" path for
// a backend whose SDK has no middleware hook.
func (m *Memori) WrappedGeminiClient() (*providers.GeminiWrapper, error) {
	p, err := providerAs[*providers.GeminiProvider](m.registry, config.ProviderGemini)
	if err != nil {
		return nil, err
	}
	ic, err := m.wrapperInterceptor(config.ProviderGemini)
	if err != nil {
		return nil, err
	}
	return p.NewWrappedClient(ic), nil
}

// OllamaTransport wraps an http.RoundTripper so chat calls against a
// local Ollama daemon are injected and recorded while the auto pattern
// is enabled. A nil base uses http.DefaultTransport.
func (m *Memori) OllamaTransport(base http.RoundTripper) (http.RoundTripper, error) {
	p, err := providerAs[*providers.OllamaProvider](m.registry, config.ProviderOllama)
	if err != nil {
		return nil, err
	}
	return p.Transport(base), nil
}

// WrappedOllamaClient returns an *http.Client with interception
// pre-armed for /api/chat requests.
func (m *Memori) WrappedOllamaClient() (*http.Client, error) {
	p, err := providerAs[*providers.OllamaProvider](m.registry, config.ProviderOllama)
	if err != nil {
		return nil, err
	}
	ic, err := m.wrapperInterceptor(config.ProviderOllama)
	if err != nil {
		return nil, err
	}
	return p.NewWrappedClient(ic), nil
}

// openAIProvider resolves the OpenAI-compatible backend: the plain one
// when configured, otherwise the Azure variant.
func (m *Memori) openAIProvider() (*providers.OpenAIProvider, error) {
	if p, err := providerAs[*providers.OpenAIProvider](m.registry, config.ProviderOpenAI); err == nil {
		return p, nil
	}
	return providerAs[*providers.OpenAIProvider](m.registry, config.ProviderAzure)
}

// wrapperInterceptor activates the wrapper pattern for a provider and
// returns its counting interceptor. Constructing a wrapped client is
// what activates the pattern.
func (m *Memori) wrapperInterceptor(provider string) (providers.Interceptor, error) {
	if err := m.patterns.Enable(provider, providers.PatternWrapper); err != nil {
		return nil, err
	}
	return m.patterns.InterceptorFor(provider, providers.PatternWrapper)
}

func providerAs[T providers.Provider](reg *providers.Registry, name string) (T, error) {
	var zero T
	p, err := reg.Provider(name)
	if err != nil {
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("provider %q is not a %T", name, zero)
	}
	return typed, nil
}
