package memori

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/config"
)

func TestBuilderWiresConfig(t *testing.T) {
	mem, err := NewBuilder().
		InMemory().
		Namespace("builder_test").
		AutoIngest(true).
		RecallLimit(7).
		SearchTimeout(3 * time.Second).
		Build(context.Background())
	require.NoError(t, err)
	defer mem.Close()

	cfg := mem.Config()
	assert.Equal(t, config.SQLiteMemoryPath, cfg.DatabaseConnect)
	assert.Equal(t, "builder_test", cfg.Namespace)
	assert.True(t, cfg.AutoIngest)
	assert.False(t, cfg.ConsciousIngest)
	assert.Equal(t, 7, cfg.RecallLimit)
	assert.Equal(t, 3*time.Second, cfg.SearchTimeout)
}

func TestBuilderCredentials(t *testing.T) {
	mem, err := NewBuilder().
		InMemory().
		Provider(config.ProviderAnthropic).
		APIKey("sk-ant-test").
		Model("claude-3-5-haiku-latest").
		Credentials(config.ProviderOllama, config.ProviderCredentials{BaseURL: "http://localhost:11434"}).
		Build(context.Background())
	require.NoError(t, err)
	defer mem.Close()

	creds, ok := mem.Config().Credentials(config.ProviderAnthropic)
	require.True(t, ok)
	assert.Equal(t, "sk-ant-test", creds.APIKey)
	assert.Equal(t, "claude-3-5-haiku-latest", creds.Model)

	names := mem.Providers().Names()
	assert.Contains(t, names, config.ProviderAnthropic)
	assert.Contains(t, names, config.ProviderOllama)
}

func TestBuilderAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MEMORI_TEST_KEY", "sk-env")

	b := NewBuilder().APIKeyFromEnv("MEMORI_TEST_KEY")
	assert.Equal(t, "sk-env", b.cfg.APIKey)
}

func TestBuilderInvalidConfigSurfaces(t *testing.T) {
	_, err := NewBuilder().
		InMemory().
		Namespace("bad-namespace!").
		Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
