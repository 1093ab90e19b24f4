package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	openai "github.com/openai/openai-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/config"
)

// recordingInterceptor captures interception traffic for assertions.
type recordingInterceptor struct {
	mu           sync.Mutex
	contextBlock string
	requestErr   error
	responseErr  error
	requests     []*ProviderRequest
	responses    []*ProviderResponse
}

func (r *recordingInterceptor) HandleRequest(_ context.Context, req *ProviderRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requestErr != nil {
		return "", r.requestErr
	}
	r.requests = append(r.requests, req)
	return r.contextBlock, nil
}

func (r *recordingInterceptor) HandleResponse(_ context.Context, req *ProviderRequest, resp *ProviderResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responseErr != nil {
		return r.responseErr
	}
	r.responses = append(r.responses, resp)
	return nil
}

func chatCompletionJSON(content string, promptTokens, completionTokens int) OpenAIResponse {
	return OpenAIResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-4o",
		Choices: []Choice{{
			Message:      OpenAIMessage{Role: RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func TestOpenAIStructuredClientComplete(t *testing.T) {
	var gotReq OpenAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON(`{"category":"fact"}`, 20, 10))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{
		APIKey:  "sk-test",
		BaseURL: server.URL,
	})
	client, err := provider.StructuredClient()
	require.NoError(t, err)
	assert.Equal(t, config.ProviderOpenAI, client.Name())

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Model:          "gpt-4o-mini",
		System:         "Classify the exchange.",
		Messages:       []Message{{Role: RoleUser, Content: "USER: hi"}},
		Temperature:    0.1,
		MaxTokens:      256,
		ResponseSchema: json.RawMessage(`{"type":"object","properties":{"category":{"type":"string"}},"required":["category"]}`),
		SchemaName:     "classification",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"category":"fact"}`, resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 10, resp.OutputTokens)

	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	assert.InDelta(t, 0.1, gotReq.Temperature, 0.001)
	require.NotNil(t, gotReq.MaxTokens)
	assert.Equal(t, 256, *gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat.Type)
	require.NotNil(t, gotReq.ResponseFormat.JSONSchema)
	assert.Equal(t, "classification", gotReq.ResponseFormat.JSONSchema.Name)
	assert.False(t, gotReq.ResponseFormat.JSONSchema.Strict)
}

func TestOpenAIStructuredClientAzureRouting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/classifier/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON("ok", 5, 2))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderAzure, config.ProviderCredentials{
		APIKey:          "azure-key",
		AzureEndpoint:   server.URL,
		AzureDeployment: "classifier",
		APIVersion:      "2024-06-01",
	})
	client, err := provider.StructuredClient()
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestOpenAIStructuredClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error","code":"model_not_found"}}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{
		APIKey:  "sk-test",
		BaseURL: server.URL,
	})
	client, err := provider.StructuredClient()
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &CompletionRequest{Model: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAIMiddlewareInjectsAndRecords(t *testing.T) {
	var gotReq OpenAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON("You are Alice.", 20, 10))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk-test"})
	ic := &recordingInterceptor{contextBlock: "[MEMORY]\nUser name is Alice."}
	require.NoError(t, provider.SetupAutoIntegration(ic))

	mw := provider.Middleware()
	body := `{"model":"gpt-4o","temperature":0.5,"messages":[{"role":"user","content":"What is my name?"}]}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/chat/completions", strings.NewReader(body))
	require.NoError(t, err)

	resp, err := mw(req, func(r *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(r)
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[0].Content, "User name is Alice.")
	assert.Equal(t, "What is my name?", gotReq.Messages[1].Content)
	assert.InDelta(t, 0.5, gotReq.Temperature, 0.001)

	require.Len(t, ic.requests, 1)
	assert.Equal(t, PatternAuto, ic.requests[0].Pattern)
	assert.Equal(t, config.ProviderOpenAI, ic.requests[0].Provider)
	assert.Equal(t, "gpt-4o", ic.requests[0].Model)
	assert.Equal(t, "What is my name?", ic.requests[0].UserInput)

	require.Len(t, ic.responses, 1)
	assert.Equal(t, "You are Alice.", ic.responses[0].Content)
	assert.Equal(t, 30, ic.responses[0].TokensUsed)
	assert.Positive(t, ic.responses[0].Duration)

	// The host still sees the complete response body.
	var completion OpenAIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&completion))
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "You are Alice.", completion.Choices[0].Message.Content)
}

func TestOpenAIMiddlewarePassthroughWhenDisarmed(t *testing.T) {
	var messageCounts []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OpenAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		messageCounts = append(messageCounts, len(req.Messages))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON("hi", 1, 1))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk-test"})
	ic := &recordingInterceptor{contextBlock: "[MEMORY] block"}
	mw := provider.Middleware()

	send := func() {
		body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
		req, err := http.NewRequest(http.MethodPost, server.URL+"/chat/completions", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := mw(req, func(r *http.Request) (*http.Response, error) {
			return http.DefaultClient.Do(r)
		})
		require.NoError(t, err)
		resp.Body.Close()
	}

	send() // never armed
	require.NoError(t, provider.SetupAutoIntegration(ic))
	send() // armed
	require.NoError(t, provider.TeardownAutoIntegration())
	send() // disarmed again

	assert.Equal(t, []int{1, 2, 1}, messageCounts)
	assert.Len(t, ic.requests, 1)
	assert.Len(t, ic.responses, 1)
}

func TestOpenAIMiddlewareFallsBackWhenInterceptorFails(t *testing.T) {
	var gotReq OpenAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON("hi", 1, 1))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk-test"})
	ic := &recordingInterceptor{contextBlock: "block", requestErr: errors.New("store offline")}
	require.NoError(t, provider.SetupAutoIntegration(ic))

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/chat/completions", strings.NewReader(body))
	require.NoError(t, err)

	resp, err := provider.Middleware()(req, func(r *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(r)
	})
	require.NoError(t, err)
	resp.Body.Close()

	// The original request went through untouched and nothing was recorded.
	require.Len(t, gotReq.Messages, 1)
	assert.Empty(t, ic.responses)
}

func TestOpenAIMiddlewareIgnoresOtherEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk-test"})
	ic := &recordingInterceptor{contextBlock: "block"}
	require.NoError(t, provider.SetupAutoIntegration(ic))

	req, err := http.NewRequest(http.MethodGet, server.URL+"/models", nil)
	require.NoError(t, err)
	resp, err := provider.Middleware()(req, func(r *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(r)
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, ic.requests)
	assert.Empty(t, ic.responses)
}

func TestOpenAIWrappedClientRoundTrip(t *testing.T) {
	var gotReq OpenAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionJSON("wrapped reply", 7, 3))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{
		APIKey:  "sk-test",
		BaseURL: server.URL,
	})
	ic := &recordingInterceptor{contextBlock: "[MEMORY] wrapped"}
	client := provider.NewWrappedClient(ic)

	completion, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("remember me"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wrapped reply", completion.Choices[0].Message.Content)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[0].Content, "wrapped")

	require.Len(t, ic.requests, 1)
	assert.Equal(t, PatternWrapper, ic.requests[0].Pattern)
	assert.Equal(t, "remember me", ic.requests[0].UserInput)
	require.Len(t, ic.responses, 1)
	assert.Equal(t, "wrapped reply", ic.responses[0].Content)
	assert.Equal(t, 10, ic.responses[0].TokensUsed)
}

func TestOpenAIParseResponse(t *testing.T) {
	provider := NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk-test"})
	req := &ProviderRequest{Provider: config.ProviderOpenAI, Pattern: PatternManual, Model: "gpt-4o"}

	body, err := json.Marshal(chatCompletionJSON("parsed", 4, 6))
	require.NoError(t, err)

	resp, err := provider.ParseResponse(json.RawMessage(body), req)
	require.NoError(t, err)
	assert.Equal(t, "parsed", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 10, resp.TokensUsed)
	assert.Equal(t, PatternManual, resp.Pattern)

	_, err = provider.ParseResponse(json.RawMessage(`{"error":{"message":"boom","type":"server_error"}}`), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = provider.ParseResponse(42, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported response type")
}

func TestOpenAIAvailable(t *testing.T) {
	assert.True(t, NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{APIKey: "sk"}).Available())
	assert.True(t, NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{BaseURL: "http://proxy"}).Available())
	assert.False(t, NewOpenAIProvider(config.ProviderOpenAI, config.ProviderCredentials{}).Available())

	assert.True(t, NewOpenAIProvider(config.ProviderAzure, config.ProviderCredentials{
		APIKey: "key", AzureEndpoint: "https://res.openai.azure.com",
	}).Available())
	assert.False(t, NewOpenAIProvider(config.ProviderAzure, config.ProviderCredentials{APIKey: "key"}).Available())
}

func TestOpenAICompletionURL(t *testing.T) {
	client := &openAIClient{creds: config.ProviderCredentials{
		AzureEndpoint: "https://res.openai.azure.com/",
	}}
	assert.Equal(t,
		"https://res.openai.azure.com/openai/deployments/gpt-4o-mini/chat/completions?api-version="+defaultAzureAPIVersion,
		client.completionURL("gpt-4o-mini"))

	client = &openAIClient{creds: config.ProviderCredentials{}}
	assert.Equal(t, defaultOpenAIHost+"/chat/completions", client.completionURL("gpt-4o"))
}
