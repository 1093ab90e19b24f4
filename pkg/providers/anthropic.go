package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/httpclient"
)

const (
	defaultAnthropicHost      = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider integrates the Anthropic Messages API.
type AnthropicProvider struct {
	creds config.ProviderCredentials

	httpClient *httpclient.Client

	mu sync.RWMutex
	ic Interceptor
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicProvider(creds config.ProviderCredentials) *AnthropicProvider {
	return &AnthropicProvider{
		creds:      creds,
		httpClient: createHTTPClient(creds),
	}
}

func (p *AnthropicProvider) Name() string { return config.ProviderAnthropic }

func (p *AnthropicProvider) Available() bool {
	return p.creds.APIKey != ""
}

func (p *AnthropicProvider) Patterns() []Pattern {
	return []Pattern{PatternAuto, PatternWrapper, PatternManual}
}

func (p *AnthropicProvider) SetupAutoIntegration(ic Interceptor) error {
	if ic == nil {
		return fmt.Errorf("interceptor is required")
	}
	p.mu.Lock()
	p.ic = ic
	p.mu.Unlock()
	return nil
}

func (p *AnthropicProvider) TeardownAutoIntegration() error {
	p.mu.Lock()
	p.ic = nil
	p.mu.Unlock()
	return nil
}

func (p *AnthropicProvider) interceptor() Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ic
}

// Middleware returns the SDK client option hosts install when building
// their own anthropic client. Dormant until auto-integration is armed.
func (p *AnthropicProvider) Middleware() option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		ic := p.interceptor()
		if ic == nil || !strings.HasSuffix(req.URL.Path, "/v1/messages") {
			return next(req)
		}
		return p.intercept(ic, PatternAuto, req, roundTripFunc(next))
	}
}

// NewWrappedClient builds the official SDK client with the memory
// middleware bound from the start.
func (p *AnthropicProvider) NewWrappedClient(ic Interceptor, extra ...option.RequestOption) anthropic.Client {
	opts := p.sdkOptions()
	opts = append(opts, extra...)
	opts = append(opts, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		if ic == nil || !strings.HasSuffix(req.URL.Path, "/v1/messages") {
			return next(req)
		}
		return p.intercept(ic, PatternWrapper, req, roundTripFunc(next))
	}))
	return anthropic.NewClient(opts...)
}

func (p *AnthropicProvider) sdkOptions() []option.RequestOption {
	var opts []option.RequestOption
	if p.creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(p.creds.APIKey))
	}
	if p.creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.creds.BaseURL))
	}
	return opts
}

func (p *AnthropicProvider) intercept(ic Interceptor, pattern Pattern, req *http.Request, next roundTripFunc) (*http.Response, error) {
	body, err := readRequestBody(req)
	if err != nil {
		slog.Warn("failed to read outbound request body", "provider", p.Name(), "error", err)
		replaceRequestBody(req, body)
		return next(req)
	}

	payload, err := parseChatPayload(body)
	if err != nil {
		replaceRequestBody(req, body)
		return next(req)
	}

	preq := &ProviderRequest{
		Provider: p.Name(),
		Pattern:  pattern,
		Model:    payload.model(),
		Messages: payload.normalizedMessages(),
		System:   textContent(payload.fields["system"]),
		Raw:      payload,
	}
	preq.UserInput = ExtractLatestUserInput(preq.Messages)

	contextBlock, err := ic.HandleRequest(req.Context(), preq)
	if err != nil {
		slog.Warn("memory interception failed, forwarding request unchanged", "provider", p.Name(), "error", err)
		replaceRequestBody(req, body)
		return next(req)
	}
	if contextBlock != "" {
		if err := injectAnthropicSystem(payload, contextBlock); err == nil {
			if encoded, encErr := payload.encode(); encErr == nil {
				body = encoded
			}
		}
	}
	replaceRequestBody(req, body)

	start := time.Now()
	resp, err := next(req)
	if err != nil || resp == nil || resp.StatusCode != http.StatusOK || isEventStream(resp) {
		return resp, err
	}

	respBody, readErr := readResponseBody(resp)
	if readErr != nil {
		slog.Warn("failed to read completion response body", "provider", p.Name(), "error", readErr)
		return resp, nil
	}

	presp, parseErr := p.ParseResponse(json.RawMessage(respBody), preq)
	if parseErr != nil {
		slog.Warn("failed to parse completion response", "provider", p.Name(), "error", parseErr)
		return resp, nil
	}
	presp.Duration = time.Since(start)

	if err := ic.HandleResponse(req.Context(), preq, presp); err != nil {
		slog.Warn("memory recording failed", "provider", p.Name(), "error", err)
	}
	return resp, nil
}

// injectAnthropicSystem merges the context block into the top-level
// system parameter, which can be absent, a string, or a block array.
func injectAnthropicSystem(p *chatPayload, contextBlock string) error {
	raw, ok := p.fields["system"]
	if !ok || len(raw) == 0 {
		encoded, err := json.Marshal(contextBlock)
		if err != nil {
			return err
		}
		p.fields["system"] = encoded
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		encoded, err := json.Marshal(contextBlock + "\n\n" + text)
		if err != nil {
			return err
		}
		p.fields["system"] = encoded
		return nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return err
	}
	block, err := json.Marshal(AnthropicContent{Type: "text", Text: contextBlock})
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(append([]json.RawMessage{block}, blocks...))
	if err != nil {
		return err
	}
	p.fields["system"] = encoded
	return nil
}

func (p *AnthropicProvider) ExtractUserInput(req *ProviderRequest) string {
	if req.UserInput != "" {
		return req.UserInput
	}
	return ExtractLatestUserInput(req.Messages)
}

// InjectContext places the context block on the system parameter, the
// way the Messages API expects system prompts.
func (p *AnthropicProvider) InjectContext(req *ProviderRequest, contextPrompt string) {
	if contextPrompt == "" {
		return
	}
	if req.System != "" {
		req.System = contextPrompt + "\n\n" + req.System
		return
	}
	req.System = contextPrompt
}

func (p *AnthropicProvider) ParseResponse(raw any, req *ProviderRequest) (*ProviderResponse, error) {
	presp := &ProviderResponse{Provider: p.Name(), Pattern: PatternManual}
	if req != nil {
		presp.Pattern = req.Pattern
		presp.Model = req.Model
	}

	switch v := raw.(type) {
	case *ProviderResponse:
		return v, nil
	case *anthropic.Message:
		var text strings.Builder
		for _, block := range v.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		presp.Content = text.String()
		presp.Model = string(v.Model)
		presp.TokensUsed = int(v.Usage.InputTokens + v.Usage.OutputTokens)
		presp.Raw = v
		return presp, nil
	case anthropic.Message:
		return p.ParseResponse(&v, req)
	case *AnthropicResponse:
		return p.fromWireResponse(v, presp)
	case json.RawMessage:
		return p.parseResponseBody(v, presp)
	case []byte:
		return p.parseResponseBody(v, presp)
	default:
		return nil, fmt.Errorf("unsupported response type %T", raw)
	}
}

func (p *AnthropicProvider) parseResponseBody(body []byte, presp *ProviderResponse) (*ProviderResponse, error) {
	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return p.fromWireResponse(&response, presp)
}

func (p *AnthropicProvider) fromWireResponse(response *AnthropicResponse, presp *ProviderResponse) (*ProviderResponse, error) {
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s (type: %s)", response.Error.Message, response.Error.Type)
	}
	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	presp.Content = text.String()
	if response.Model != "" {
		presp.Model = response.Model
	}
	presp.TokensUsed = response.Usage.InputTokens + response.Usage.OutputTokens
	presp.Raw = response
	return presp, nil
}

func (p *AnthropicProvider) StructuredClient() (StructuredClient, error) {
	if !p.Available() {
		return nil, fmt.Errorf("provider %s is not configured", p.Name())
	}
	return &anthropicClient{creds: p.creds, httpClient: p.httpClient}, nil
}

// anthropicClient issues schema-constrained completions. The Messages
// API has no response_format, so the schema rides in the system prompt
// and an assistant prefill forces the reply to open as JSON.
type anthropicClient struct {
	creds      config.ProviderCredentials
	httpClient *httpclient.Client
}

func (c *anthropicClient) Name() string { return config.ProviderAnthropic }

func (c *anthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	system := req.System
	if len(req.ResponseSchema) > 0 {
		schemaPrompt := schemaSystemPrompt(req.ResponseSchema)
		if system != "" {
			system = system + "\n\n" + schemaPrompt
		} else {
			system = schemaPrompt
		}
	}

	messages := make([]AnthropicMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, AnthropicMessage{Role: m.Role, Content: m.Content})
	}

	prefill := ""
	if len(req.ResponseSchema) > 0 {
		prefill = "{"
		messages = append(messages, AnthropicMessage{Role: RoleAssistant, Content: prefill})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	request := AnthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
	}

	response, err := c.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s (type: %s)", response.Error.Message, response.Error.Type)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := text.String()
	if prefill != "" {
		content = prefill + content
	}

	model := response.Model
	if model == "" {
		model = req.Model
	}
	return &CompletionResponse{
		Content:      content,
		Model:        model,
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}, nil
}

func (c *anthropicClient) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	host := c.creds.BaseURL
	if host == "" {
		host = defaultAnthropicHost
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(host, "/")+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.creds.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

// schemaSystemPrompt embeds a JSON schema in the system prompt for
// backends without native structured output.
func schemaSystemPrompt(schema json.RawMessage) string {
	var buf bytes.Buffer
	rendered := string(schema)
	if err := json.Indent(&buf, schema, "", "  "); err == nil {
		rendered = buf.String()
	}

	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, rendered)
}
