package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/azure"
	"github.com/openai/openai-go/v2/option"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/httpclient"
)

const (
	defaultOpenAIHost      = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2024-10-21"

	defaultHTTPTimeout = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseDelay   = 2 * time.Second
)

// createHTTPClient builds the retrying HTTP client the raw backends
// share, honoring per-provider TLS overrides.
func createHTTPClient(creds config.ProviderCredentials) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: defaultHTTPTimeout,
		}),
		httpclient.WithMaxRetries(defaultMaxRetries),
		httpclient.WithBaseDelay(defaultBaseDelay),
		httpclient.WithHeaderParser(httpclient.ParseRateLimitHeaders),
	}

	if creds.InsecureSkipVerify || creds.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: creds.InsecureSkipVerify,
			CACertificate:      creds.CACertificate,
		}))
	}

	return httpclient.New(opts...)
}

// OpenAIProvider integrates OpenAI-compatible chat backends. It covers
// both api.openai.com and Azure OpenAI; the azure provider name routes
// requests onto deployment-scoped endpoints.
type OpenAIProvider struct {
	name  string
	creds config.ProviderCredentials

	httpClient *httpclient.Client

	mu sync.RWMutex
	ic Interceptor
}

type OpenAIRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream"`
	ResponseFormat *OpenAIResponseFormat `json:"response_format,omitempty"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *OpenAIJSONSchema `json:"json_schema,omitempty"`
}

// OpenAIJSONSchema names a response schema. Strict stays unset:
// reflected schemas do not mark every property required, which strict
// mode demands.
type OpenAIJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type OpenAIResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *Error   `json:"error,omitempty"`
}

type Choice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider builds the integration for the given backend name
// (config.ProviderOpenAI or config.ProviderAzure).
func NewOpenAIProvider(name string, creds config.ProviderCredentials) *OpenAIProvider {
	return &OpenAIProvider{
		name:       name,
		creds:      creds,
		httpClient: createHTTPClient(creds),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Available() bool {
	if p.name == config.ProviderAzure || p.creds.AzureEndpoint != "" {
		return p.creds.AzureEndpoint != "" && p.creds.APIKey != ""
	}
	return p.creds.APIKey != "" || p.creds.BaseURL != ""
}

func (p *OpenAIProvider) Patterns() []Pattern {
	return []Pattern{PatternAuto, PatternWrapper, PatternManual}
}

func (p *OpenAIProvider) SetupAutoIntegration(ic Interceptor) error {
	if ic == nil {
		return fmt.Errorf("interceptor is required")
	}
	p.mu.Lock()
	p.ic = ic
	p.mu.Unlock()
	return nil
}

func (p *OpenAIProvider) TeardownAutoIntegration() error {
	p.mu.Lock()
	p.ic = nil
	p.mu.Unlock()
	return nil
}

func (p *OpenAIProvider) interceptor() Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ic
}

// Middleware returns the client option hosts install when building
// their own SDK client. It stays dormant until auto-integration is
// armed and reverts to passthrough on teardown, so the host client
// never needs rebuilding.
func (p *OpenAIProvider) Middleware() option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		ic := p.interceptor()
		if ic == nil || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
			return next(req)
		}
		return p.intercept(ic, PatternAuto, req, roundTripFunc(next))
	}
}

// NewWrappedClient builds the official SDK client with the memory
// middleware bound from the start. Callers use the result exactly like
// a client from openai.NewClient.
func (p *OpenAIProvider) NewWrappedClient(ic Interceptor, extra ...option.RequestOption) openai.Client {
	opts := append(p.sdkOptions(), extra...)
	opts = append(opts, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		if ic == nil || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
			return next(req)
		}
		return p.intercept(ic, PatternWrapper, req, roundTripFunc(next))
	}))
	return openai.NewClient(opts...)
}

func (p *OpenAIProvider) sdkOptions() []option.RequestOption {
	if p.creds.AzureEndpoint != "" {
		version := p.creds.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		return []option.RequestOption{
			azure.WithEndpoint(p.creds.AzureEndpoint, version),
			azure.WithAPIKey(p.creds.APIKey),
		}
	}

	var opts []option.RequestOption
	if p.creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(p.creds.APIKey))
	}
	if p.creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.creds.BaseURL))
	}
	return opts
}

// intercept rewrites one chat completion round trip: inject context on
// the way out, record the finished turn on the way back. Any
// interception failure forwards the original call untouched.
func (p *OpenAIProvider) intercept(ic Interceptor, pattern Pattern, req *http.Request, next roundTripFunc) (*http.Response, error) {
	body, err := readRequestBody(req)
	if err != nil {
		slog.Warn("failed to read outbound request body", "provider", p.name, "error", err)
		replaceRequestBody(req, body)
		return next(req)
	}

	payload, err := parseChatPayload(body)
	if err != nil {
		replaceRequestBody(req, body)
		return next(req)
	}

	preq := &ProviderRequest{
		Provider: p.name,
		Pattern:  pattern,
		Model:    payload.model(),
		Messages: payload.normalizedMessages(),
		Raw:      payload,
	}
	preq.UserInput = ExtractLatestUserInput(preq.Messages)

	contextBlock, err := ic.HandleRequest(req.Context(), preq)
	if err != nil {
		slog.Warn("memory interception failed, forwarding request unchanged", "provider", p.name, "error", err)
		replaceRequestBody(req, body)
		return next(req)
	}
	if contextBlock != "" {
		if err := payload.injectSystem(contextBlock); err == nil {
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
		slog.Warn("failed to read completion response body", "provider", p.name, "error", readErr)
		return resp, nil
	}

	presp, parseErr := p.ParseResponse(json.RawMessage(respBody), preq)
	if parseErr != nil {
		slog.Warn("failed to parse completion response", "provider", p.name, "error", parseErr)
		return resp, nil
	}
	presp.Duration = time.Since(start)

	if err := ic.HandleResponse(req.Context(), preq, presp); err != nil {
		slog.Warn("memory recording failed", "provider", p.name, "error", err)
	}
	return resp, nil
}

func (p *OpenAIProvider) ExtractUserInput(req *ProviderRequest) string {
	if req.UserInput != "" {
		return req.UserInput
	}
	return ExtractLatestUserInput(req.Messages)
}

func (p *OpenAIProvider) InjectContext(req *ProviderRequest, contextPrompt string) {
	req.Messages = PrependSystemContext(req.Messages, contextPrompt)
}

// ParseResponse normalizes a chat completion in any of the forms a
// host is likely to hold: the SDK completion type, this package's wire
// type, or raw response bytes.
func (p *OpenAIProvider) ParseResponse(raw any, req *ProviderRequest) (*ProviderResponse, error) {
	presp := &ProviderResponse{Provider: p.name, Pattern: PatternManual}
	if req != nil {
		presp.Pattern = req.Pattern
		presp.Model = req.Model
	}

	switch v := raw.(type) {
	case *ProviderResponse:
		return v, nil
	case *openai.ChatCompletion:
		if len(v.Choices) == 0 {
			return nil, fmt.Errorf("no response choices returned")
		}
		presp.Content = v.Choices[0].Message.Content
		presp.Model = v.Model
		presp.TokensUsed = int(v.Usage.TotalTokens)
		presp.Raw = v
		return presp, nil
	case openai.ChatCompletion:
		return p.ParseResponse(&v, req)
	case *OpenAIResponse:
		return p.fromWireResponse(v, presp)
	case json.RawMessage:
		return p.parseResponseBody(v, presp)
	case []byte:
		return p.parseResponseBody(v, presp)
	default:
		return nil, fmt.Errorf("unsupported response type %T", raw)
	}
}

func (p *OpenAIProvider) parseResponseBody(body []byte, presp *ProviderResponse) (*ProviderResponse, error) {
	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return p.fromWireResponse(&response, presp)
}

func (p *OpenAIProvider) fromWireResponse(response *OpenAIResponse, presp *ProviderResponse) (*ProviderResponse, error) {
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s (type: %s, code: %s)",
			response.Error.Message, response.Error.Type, response.Error.Code)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	presp.Content = response.Choices[0].Message.Content
	if response.Model != "" {
		presp.Model = response.Model
	}
	presp.TokensUsed = response.Usage.TotalTokens
	presp.Raw = response
	return presp, nil
}

func (p *OpenAIProvider) StructuredClient() (StructuredClient, error) {
	if !p.Available() {
		return nil, fmt.Errorf("provider %s is not configured", p.name)
	}
	return &openAIClient{name: p.name, creds: p.creds, httpClient: p.httpClient}, nil
}

// openAIClient issues schema-constrained completions over the raw
// chat completions API.
type openAIClient struct {
	name       string
	creds      config.ProviderCredentials
	httpClient *httpclient.Client
}

func (c *openAIClient) Name() string { return c.name }

func (c *openAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	messages := make([]OpenAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, OpenAIMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, OpenAIMessage{Role: m.Role, Content: m.Content})
	}

	request := OpenAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		request.MaxTokens = &maxTokens
	}
	if len(req.ResponseSchema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		request.ResponseFormat = &OpenAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &OpenAIJSONSchema{
				Name:   name,
				Schema: req.ResponseSchema,
			},
		}
	}

	response, err := c.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s (type: %s, code: %s)",
			response.Error.Message, response.Error.Type, response.Error.Code)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	model := response.Model
	if model == "" {
		model = req.Model
	}
	return &CompletionResponse{
		Content:      response.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}, nil
}

// completionURL resolves the chat completions endpoint. Azure routes
// through deployment-scoped paths with an api-version query; the
// deployment name falls back to the model name.
func (c *openAIClient) completionURL(model string) string {
	if c.creds.AzureEndpoint != "" {
		deployment := c.creds.AzureDeployment
		if deployment == "" {
			deployment = model
		}
		version := c.creds.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimSuffix(c.creds.AzureEndpoint, "/"), url.PathEscape(deployment), url.QueryEscape(version))
	}

	host := c.creds.BaseURL
	if host == "" {
		host = defaultOpenAIHost
	}
	return strings.TrimSuffix(host, "/") + "/chat/completions"
}

func (c *openAIClient) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.completionURL(request.Model), bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if c.creds.AzureEndpoint != "" {
		req.Header.Set("api-key", c.creds.APIKey)
	} else if c.creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	// The HTTP client can return both a response and an error for
	// non-2xx statuses; check the body either way.
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, readErr := io.ReadAll(resp.Body)
			errorBody := string(body)
			if readErr != nil {
				errorBody = fmt.Sprintf("(failed to read error body: %v)", readErr)
			}
			if apiErr := parseErrorResponse(body); apiErr != nil {
				return nil, fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
			}
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorBody)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

// parseErrorResponse extracts structured error details from an API
// error body.
func parseErrorResponse(body []byte) *Error {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}
