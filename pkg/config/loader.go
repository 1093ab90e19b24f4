package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML (or JSON) config file, expands environment variables,
// applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return FromMap(expandEnvVars(rawMap))
}

// FromMap decodes a plain map into a Config. Hosts that keep their
// settings as map[string]any (framework plugin configs, JSON blobs) come
// in through here.
func FromMap(input map[string]any) (*Config, error) {
	cfg := &Config{}
	if err := decodeConfig(input, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a Config from MEMORI_* environment variables and the
// standard provider key variables (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// GEMINI_API_KEY, AZURE_OPENAI_*, OLLAMA_HOST). A .env file in the
// working directory is loaded first when present.
func FromEnv() (*Config, error) {
	// Missing .env is fine; explicit env always wins because godotenv
	// does not override existing variables.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseConnect: os.Getenv("MEMORI_DATABASE_CONNECT"),
		Namespace:       os.Getenv("MEMORI_NAMESPACE"),
		UserID:          os.Getenv("MEMORI_USER_ID"),
		Provider:        os.Getenv("MEMORI_PROVIDER"),
		Model:           os.Getenv("MEMORI_MODEL"),
	}

	cfg.ConsciousIngest = envBool("MEMORI_CONSCIOUS_INGEST")
	cfg.AutoIngest = envBool("MEMORI_AUTO_INGEST")
	cfg.SharedMemory = envBool("MEMORI_SHARED_MEMORY")
	cfg.Verbose = envBool("MEMORI_VERBOSE")

	if v := os.Getenv("MEMORI_RECALL_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MEMORI_RECALL_LIMIT %q: %w", v, err)
		}
		cfg.RecallLimit = limit
	}

	if v := os.Getenv("MEMORI_PROMOTION_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MEMORI_PROMOTION_INTERVAL %q: %w", v, err)
		}
		cfg.PromotionInterval = interval
	}

	cfg.Logging.Level = os.Getenv("MEMORI_LOG_LEVEL")
	cfg.Logging.File = os.Getenv("MEMORI_LOG_FILE")
	cfg.Logging.Format = os.Getenv("MEMORI_LOG_FORMAT")

	cfg.Providers = providersFromEnv()

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func providersFromEnv() map[string]ProviderCredentials {
	providers := make(map[string]ProviderCredentials)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers[ProviderOpenAI] = ProviderCredentials{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		}
	}
	if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
		providers[ProviderAzure] = ProviderCredentials{
			APIKey:          key,
			AzureEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			AzureDeployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion:      os.Getenv("AZURE_OPENAI_API_VERSION"),
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers[ProviderAnthropic] = ProviderCredentials{APIKey: key}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers[ProviderGemini] = ProviderCredentials{APIKey: key}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		providers[ProviderOllama] = ProviderCredentials{BaseURL: host}
	}

	return providers
}

func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// parseBytes parses raw bytes into a map. YAML is primary, JSON the
// fallback.
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// expandEnvVars recursively expands ${VAR}, ${VAR:-default} and $VAR
// patterns in string values.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			// ${VAR:-default}
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}

			return os.Getenv(inner)
		}

		return os.Getenv(match[1:])
	})
}
