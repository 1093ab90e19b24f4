package memori

import (
	"context"
	"os"
	"time"

	"github.com/memorihq/memori/pkg/config"
)

// Builder provides a fluent API for building a Memori instance.
type Builder struct {
	cfg *config.Config
}

// NewBuilder starts a builder with an empty configuration. Defaults
// (sqlite file database, default namespace) apply at Build.
func NewBuilder() *Builder {
	return &Builder{cfg: &config.Config{}}
}

// Database sets the storage URL.
func (b *Builder) Database(url string) *Builder {
	b.cfg.DatabaseConnect = url
	return b
}

// InMemory selects the throwaway in-memory sqlite database.
func (b *Builder) InMemory() *Builder {
	b.cfg.DatabaseConnect = config.SQLiteMemoryPath
	return b
}

// Namespace isolates this instance's memories.
func (b *Builder) Namespace(namespace string) *Builder {
	b.cfg.Namespace = namespace
	return b
}

// SharedMemory marks the namespace as shared between agents.
func (b *Builder) SharedMemory() *Builder {
	b.cfg.SharedMemory = true
	return b
}

// ConsciousIngest enables the once-per-session essential context block.
func (b *Builder) ConsciousIngest(enabled bool) *Builder {
	b.cfg.ConsciousIngest = enabled
	return b
}

// AutoIngest enables per-request dynamic retrieval.
func (b *Builder) AutoIngest(enabled bool) *Builder {
	b.cfg.AutoIngest = enabled
	return b
}

// UserID tags stored memories with a stable user identity.
func (b *Builder) UserID(id string) *Builder {
	b.cfg.UserID = id
	return b
}

// RecallLimit caps how many memories are injected per request.
func (b *Builder) RecallLimit(n int) *Builder {
	b.cfg.RecallLimit = n
	return b
}

// SearchTimeout bounds a single retrieval pass.
func (b *Builder) SearchTimeout(d time.Duration) *Builder {
	b.cfg.SearchTimeout = d
	return b
}

// Provider names the backend used for classification calls.
func (b *Builder) Provider(name string) *Builder {
	b.cfg.Provider = name
	return b
}

// APIKey sets the API key for the default provider.
func (b *Builder) APIKey(key string) *Builder {
	b.cfg.APIKey = key
	return b
}

// APIKeyFromEnv sets the API key from an environment variable.
func (b *Builder) APIKeyFromEnv(envVar string) *Builder {
	b.cfg.APIKey = os.Getenv(envVar)
	return b
}

// BaseURL overrides the default provider endpoint.
func (b *Builder) BaseURL(url string) *Builder {
	b.cfg.BaseURL = url
	return b
}

// Model sets the model for classification calls.
func (b *Builder) Model(model string) *Builder {
	b.cfg.Model = model
	return b
}

// Credentials sets the full credentials record for one backend, for
// multi-provider setups and the Azure fields.
func (b *Builder) Credentials(provider string, creds config.ProviderCredentials) *Builder {
	if b.cfg.Providers == nil {
		b.cfg.Providers = make(map[string]config.ProviderCredentials)
	}
	b.cfg.Providers[provider] = creds
	return b
}

// Verbose raises the log level to debug.
func (b *Builder) Verbose() *Builder {
	b.cfg.Verbose = true
	return b
}

// Build wires the instance. When no API key was set, the default
// provider's conventional environment variable is consulted.
func (b *Builder) Build(ctx context.Context) (*Memori, error) {
	if b.cfg.APIKey == "" {
		switch b.cfg.Provider {
		case config.ProviderOpenAI, config.ProviderAzure:
			b.cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		case config.ProviderAnthropic:
			b.cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case config.ProviderGemini:
			b.cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		case config.ProviderOllama:
			// Ollama needs no key.
		}
	}
	return New(ctx, b.cfg)
}
