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

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/httpclient"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaProvider integrates local Ollama servers. There is no official
// SDK to hook, so auto-integration rides an http.RoundTripper the host
// installs in whatever client talks to the daemon.
type OllamaProvider struct {
	creds config.ProviderCredentials

	httpClient *httpclient.Client

	mu sync.RWMutex
	ic Interceptor
}

type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   interface{}     `json:"format,omitempty"` // "json" string or schema object
	Options  *OllamaOptions  `json:"options,omitempty"`
}

type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OllamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"` // Max tokens
}

type OllamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(creds config.ProviderCredentials) *OllamaProvider {
	return &OllamaProvider{
		creds:      creds,
		httpClient: createHTTPClient(creds),
	}
}

func (p *OllamaProvider) Name() string { return config.ProviderOllama }

// Available is always true: a local daemon needs no credentials, and
// reachability is a runtime property, not a configuration one.
func (p *OllamaProvider) Available() bool { return true }

func (p *OllamaProvider) Patterns() []Pattern {
	return []Pattern{PatternAuto, PatternWrapper, PatternManual}
}

func (p *OllamaProvider) SetupAutoIntegration(ic Interceptor) error {
	if ic == nil {
		return fmt.Errorf("interceptor is required")
	}
	p.mu.Lock()
	p.ic = ic
	p.mu.Unlock()
	return nil
}

func (p *OllamaProvider) TeardownAutoIntegration() error {
	p.mu.Lock()
	p.ic = nil
	p.mu.Unlock()
	return nil
}

func (p *OllamaProvider) interceptor() Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ic
}

// Transport wraps a RoundTripper so POST /api/chat calls pick up
// injection and recording. Dormant until auto-integration is armed.
func (p *OllamaProvider) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ollamaTransport{provider: p, base: base, pattern: PatternAuto}
}

// NewWrappedClient returns an http.Client bound to the interceptor.
// Hosts point their Ollama calls at it and get memory for free.
func (p *OllamaProvider) NewWrappedClient(ic Interceptor) *http.Client {
	return &http.Client{
		Transport: &ollamaTransport{provider: p, base: http.DefaultTransport, ic: ic, pattern: PatternWrapper},
		Timeout:   defaultHTTPTimeout,
	}
}

type ollamaTransport struct {
	provider *OllamaProvider
	base     http.RoundTripper
	ic       Interceptor
	pattern  Pattern
}

func (t *ollamaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ic := t.ic
	if ic == nil {
		ic = t.provider.interceptor()
	}
	if ic == nil || req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/api/chat") {
		return t.base.RoundTrip(req)
	}
	return t.provider.intercept(ic, t.pattern, req, t.base.RoundTrip)
}

func (p *OllamaProvider) intercept(ic Interceptor, pattern Pattern, req *http.Request, next roundTripFunc) (*http.Response, error) {
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
		if err := payload.injectSystem(contextBlock); err == nil {
			if encoded, encErr := payload.encode(); encErr == nil {
				body = encoded
			}
		}
	}
	replaceRequestBody(req, body)

	// Ollama streams NDJSON chunks unless stream is explicitly false;
	// only the single-document form is recordable.
	streaming := payload.streamingDefault(true)

	start := time.Now()
	resp, err := next(req)
	if err != nil || resp == nil || resp.StatusCode != http.StatusOK || streaming {
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

func (p *OllamaProvider) ExtractUserInput(req *ProviderRequest) string {
	if req.UserInput != "" {
		return req.UserInput
	}
	return ExtractLatestUserInput(req.Messages)
}

func (p *OllamaProvider) InjectContext(req *ProviderRequest, contextPrompt string) {
	req.Messages = PrependSystemContext(req.Messages, contextPrompt)
}

func (p *OllamaProvider) ParseResponse(raw any, req *ProviderRequest) (*ProviderResponse, error) {
	presp := &ProviderResponse{Provider: p.Name(), Pattern: PatternManual}
	if req != nil {
		presp.Pattern = req.Pattern
		presp.Model = req.Model
	}

	switch v := raw.(type) {
	case *ProviderResponse:
		return v, nil
	case *OllamaResponse:
		return p.fromWireResponse(v, presp)
	case json.RawMessage:
		return p.parseResponseBody(v, presp)
	case []byte:
		return p.parseResponseBody(v, presp)
	default:
		return nil, fmt.Errorf("unsupported response type %T", raw)
	}
}

func (p *OllamaProvider) parseResponseBody(body []byte, presp *ProviderResponse) (*ProviderResponse, error) {
	var response OllamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return p.fromWireResponse(&response, presp)
}

func (p *OllamaProvider) fromWireResponse(response *OllamaResponse, presp *ProviderResponse) (*ProviderResponse, error) {
	if response.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", response.Error)
	}
	presp.Content = response.Message.Content
	if response.Model != "" {
		presp.Model = response.Model
	}
	presp.TokensUsed = response.PromptEvalCount + response.EvalCount
	presp.Raw = response
	return presp, nil
}

func (p *OllamaProvider) StructuredClient() (StructuredClient, error) {
	return &ollamaClient{creds: p.creds, httpClient: p.httpClient}, nil
}

// ollamaClient issues schema-constrained completions; the schema rides
// in the request format field.
type ollamaClient struct {
	creds      config.ProviderCredentials
	httpClient *httpclient.Client
}

func (c *ollamaClient) Name() string { return config.ProviderOllama }

func (c *ollamaClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	messages := make([]OllamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, OllamaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, OllamaMessage{Role: m.Role, Content: m.Content})
	}

	request := OllamaRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options: &OllamaOptions{
			Temperature: req.Temperature,
		},
	}
	if request.Model == "" {
		request.Model = c.creds.Model
	}
	if req.MaxTokens > 0 {
		request.Options.NumPredict = req.MaxTokens
	}
	if len(req.ResponseSchema) > 0 {
		request.Format = json.RawMessage(req.ResponseSchema)
	}

	response, err := c.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", response.Error)
	}

	model := response.Model
	if model == "" {
		model = request.Model
	}
	return &CompletionResponse{
		Content:      response.Message.Content,
		Model:        model,
		InputTokens:  response.PromptEvalCount,
		OutputTokens: response.EvalCount,
	}, nil
}

func (c *ollamaClient) makeRequest(ctx context.Context, request OllamaRequest) (*OllamaResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	host := c.creds.BaseURL
	if host == "" {
		host = defaultOllamaHost
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(host, "/")+"/api/chat", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response OllamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}
