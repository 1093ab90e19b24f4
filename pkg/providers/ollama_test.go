package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/config"
)

func ollamaResponseJSON(content string, promptTokens, evalTokens int) OllamaResponse {
	return OllamaResponse{
		Model:           "llama3.2",
		CreatedAt:       "2025-01-01T00:00:00Z",
		Message:         OllamaMessage{Role: RoleAssistant, Content: content},
		Done:            true,
		PromptEvalCount: promptTokens,
		EvalCount:       evalTokens,
	}
}

func TestOllamaStructuredClientComplete(t *testing.T) {
	var gotReq OllamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponseJSON(`{"category":"fact"}`, 30, 12))
	}))
	defer server.Close()

	provider := NewOllamaProvider(config.ProviderCredentials{BaseURL: server.URL})
	client, err := provider.StructuredClient()
	require.NoError(t, err)
	assert.Equal(t, config.ProviderOllama, client.Name())

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Model:          "llama3.2",
		System:         "Classify the exchange.",
		Messages:       []Message{{Role: RoleUser, Content: "USER: hi"}},
		Temperature:    0.1,
		MaxTokens:      512,
		ResponseSchema: json.RawMessage(`{"type":"object","properties":{"category":{"type":"string"}}}`),
	})
	require.NoError(t, err)

	assert.Equal(t, `{"category":"fact"}`, resp.Content)
	assert.Equal(t, "llama3.2", resp.Model)
	assert.Equal(t, 30, resp.InputTokens)
	assert.Equal(t, 12, resp.OutputTokens)

	assert.Equal(t, "llama3.2", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.NotNil(t, gotReq.Options)
	assert.InDelta(t, 0.1, gotReq.Options.Temperature, 0.001)
	assert.Equal(t, 512, gotReq.Options.NumPredict)
	require.NotNil(t, gotReq.Format)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
}

func TestOllamaTransportInterceptsChat(t *testing.T) {
	var gotReq OllamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponseJSON("You are Alice.", 25, 8))
	}))
	defer server.Close()

	provider := NewOllamaProvider(config.ProviderCredentials{BaseURL: server.URL})
	ic := &recordingInterceptor{contextBlock: "[MEMORY]\nUser name is Alice."}
	require.NoError(t, provider.SetupAutoIntegration(ic))

	client := &http.Client{Transport: provider.Transport(nil)}

	// Non-chat traffic passes straight through.
	resp, err := client.Get(server.URL + "/api/tags")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, ic.requests)

	body := `{"model":"llama3.2","stream":false,"messages":[{"role":"user","content":"What is my name?"}]}`
	resp, err = client.Post(server.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[0].Content, "User name is Alice.")

	require.Len(t, ic.requests, 1)
	assert.Equal(t, PatternAuto, ic.requests[0].Pattern)
	assert.Equal(t, "What is my name?", ic.requests[0].UserInput)
	require.Len(t, ic.responses, 1)
	assert.Equal(t, "You are Alice.", ic.responses[0].Content)
	assert.Equal(t, 33, ic.responses[0].TokensUsed)

	var parsed OllamaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "You are Alice.", parsed.Message.Content)
}

func TestOllamaTransportSkipsStreamingRecording(t *testing.T) {
	var gotReq OllamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"chunk"},"done":false}` + "\n"))
	}))
	defer server.Close()

	provider := NewOllamaProvider(config.ProviderCredentials{BaseURL: server.URL})
	ic := &recordingInterceptor{contextBlock: "[MEMORY] block"}
	require.NoError(t, provider.SetupAutoIntegration(ic))

	client := &http.Client{Transport: provider.Transport(nil)}

	// No stream field: Ollama defaults to streaming NDJSON.
	body := `{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`
	resp, err := client.Post(server.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	// Injection still happened; recording did not.
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
	require.Len(t, ic.requests, 1)
	assert.Empty(t, ic.responses)
}

func TestOllamaWrappedClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponseJSON("hi", 2, 1))
	}))
	defer server.Close()

	provider := NewOllamaProvider(config.ProviderCredentials{BaseURL: server.URL})
	ic := &recordingInterceptor{}
	client := provider.NewWrappedClient(ic)

	body := `{"model":"llama3.2","stream":false,"messages":[{"role":"user","content":"hello"}]}`
	resp, err := client.Post(server.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, ic.requests, 1)
	assert.Equal(t, PatternWrapper, ic.requests[0].Pattern)
	require.Len(t, ic.responses, 1)
}

func TestOllamaParseResponse(t *testing.T) {
	provider := NewOllamaProvider(config.ProviderCredentials{})
	req := &ProviderRequest{Pattern: PatternManual, Model: "llama3.2"}

	body, err := json.Marshal(ollamaResponseJSON("parsed", 3, 4))
	require.NoError(t, err)

	resp, err := provider.ParseResponse(json.RawMessage(body), req)
	require.NoError(t, err)
	assert.Equal(t, "parsed", resp.Content)
	assert.Equal(t, 7, resp.TokensUsed)

	_, err = provider.ParseResponse(json.RawMessage(`{"error":"model not loaded"}`), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOllamaAlwaysAvailable(t *testing.T) {
	assert.True(t, NewOllamaProvider(config.ProviderCredentials{}).Available())
}
