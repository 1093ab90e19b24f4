package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/memorihq/memori/pkg/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider integrates Google Gemini through the genai SDK. The
// SDK exposes no request middleware, so auto-integration is
// unavailable; hosts use the wrapper or manual patterns instead.
type GeminiProvider struct {
	creds config.ProviderCredentials

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(creds config.ProviderCredentials) *GeminiProvider {
	return &GeminiProvider{creds: creds}
}

func (p *GeminiProvider) Name() string { return config.ProviderGemini }

func (p *GeminiProvider) Available() bool {
	return p.creds.APIKey != ""
}

func (p *GeminiProvider) Patterns() []Pattern {
	return []Pattern{PatternWrapper, PatternManual}
}

func (p *GeminiProvider) SetupAutoIntegration(Interceptor) error {
	return ErrPatternUnsupported
}

func (p *GeminiProvider) TeardownAutoIntegration() error {
	return ErrPatternUnsupported
}

// geminiClient builds the SDK client on first use so an unconfigured
// backend never dials out.
func (p *GeminiProvider) geminiClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.creds.APIKey == "" {
		return nil, fmt.Errorf("API key is required for gemini")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: p.creds.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *GeminiProvider) ExtractUserInput(req *ProviderRequest) string {
	if req.UserInput != "" {
		return req.UserInput
	}
	return ExtractLatestUserInput(req.Messages)
}

// InjectContext places the context block on the system instruction.
func (p *GeminiProvider) InjectContext(req *ProviderRequest, contextPrompt string) {
	if contextPrompt == "" {
		return
	}
	if req.System != "" {
		req.System = contextPrompt + "\n\n" + req.System
		return
	}
	req.System = contextPrompt
}

func (p *GeminiProvider) ParseResponse(raw any, req *ProviderRequest) (*ProviderResponse, error) {
	presp := &ProviderResponse{Provider: p.Name(), Pattern: PatternManual}
	if req != nil {
		presp.Pattern = req.Pattern
		presp.Model = req.Model
	}

	switch v := raw.(type) {
	case *ProviderResponse:
		return v, nil
	case *genai.GenerateContentResponse:
		if len(v.Candidates) == 0 || v.Candidates[0].Content == nil {
			return nil, fmt.Errorf("empty response from gemini")
		}
		var text strings.Builder
		for _, part := range v.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
		presp.Content = text.String()
		if v.UsageMetadata != nil {
			presp.TokensUsed = int(v.UsageMetadata.PromptTokenCount + v.UsageMetadata.CandidatesTokenCount)
		}
		presp.Raw = v
		return presp, nil
	default:
		return nil, fmt.Errorf("unsupported response type %T", raw)
	}
}

func (p *GeminiProvider) StructuredClient() (StructuredClient, error) {
	if !p.Available() {
		return nil, fmt.Errorf("provider %s is not configured", p.Name())
	}
	return &geminiStructuredClient{provider: p}, nil
}

// NewWrappedClient returns the drop-in surface for hosts on the genai
// SDK. With no middleware hook to install, the wrapper mirrors the
// GenerateContent call and performs injection and recording around it.
func (p *GeminiProvider) NewWrappedClient(ic Interceptor) *GeminiWrapper {
	return &GeminiWrapper{provider: p, ic: ic}
}

type GeminiWrapper struct {
	provider *GeminiProvider
	ic       Interceptor
}

func (w *GeminiWrapper) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := w.provider.geminiClient(ctx)
	if err != nil {
		return nil, err
	}

	preq := &ProviderRequest{
		Provider: w.provider.Name(),
		Pattern:  PatternWrapper,
		Model:    model,
		Messages: genaiMessages(contents),
	}
	if cfg != nil {
		preq.System = genaiText(cfg.SystemInstruction)
	}
	preq.UserInput = ExtractLatestUserInput(preq.Messages)

	if w.ic != nil {
		contextBlock, icErr := w.ic.HandleRequest(ctx, preq)
		if icErr != nil {
			slog.Warn("memory interception failed, forwarding request unchanged", "provider", w.provider.Name(), "error", icErr)
		} else if contextBlock != "" {
			cfg = injectGenaiSystem(cfg, contextBlock)
		}
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, err
	}

	if w.ic != nil {
		if presp, perr := w.provider.ParseResponse(resp, preq); perr == nil {
			presp.Duration = time.Since(start)
			if herr := w.ic.HandleResponse(ctx, preq, presp); herr != nil {
				slog.Warn("memory recording failed", "provider", w.provider.Name(), "error", herr)
			}
		}
	}
	return resp, nil
}

// genaiMessages flattens genai contents into provider-neutral turns.
func genaiMessages(contents []*genai.Content) []Message {
	out := make([]Message, 0, len(contents))
	for _, content := range contents {
		if content == nil {
			continue
		}
		role := RoleUser
		if content.Role == "model" {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: genaiText(content)})
	}
	return out
}

func genaiText(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// injectGenaiSystem clones the config with the context block prepended
// to the system instruction. The caller's config is left untouched.
func injectGenaiSystem(cfg *genai.GenerateContentConfig, contextBlock string) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{}
	if cfg != nil {
		clone := *cfg
		out = &clone
	}

	text := contextBlock
	if existing := genaiText(out.SystemInstruction); existing != "" {
		text = contextBlock + "\n\n" + existing
	}
	out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	return out
}

type geminiStructuredClient struct {
	provider *GeminiProvider
}

func (c *geminiStructuredClient) Name() string { return config.ProviderGemini }

func (c *geminiStructuredClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	client, err := c.provider.geminiClient(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.provider.creds.Model
	}
	if model == "" {
		model = defaultGeminiModel
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: m.Content}},
			Role:  role,
		})
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.ResponseSchema) > 0 {
		var schemaMap map[string]any
		if err := json.Unmarshal(req.ResponseSchema, &schemaMap); err != nil {
			return nil, fmt.Errorf("failed to decode response schema: %w", err)
		}
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(schemaMap)
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	out := &CompletionResponse{
		Content: text.String(),
		Model:   model,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// toGenaiSchema converts a JSON schema document into the SDK's schema
// type. Only the subset reflected from response structs is mapped.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}
