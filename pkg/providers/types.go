// Package providers integrates the memory pipeline with LLM backends.
// Every backend normalizes to the same request/response records and
// offers up to three integration patterns: auto (SDK middleware that
// injects context and records transparently), wrapper (a drop-in client
// mirroring the SDK surface), and manual (the host parses and records
// explicitly).
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Pattern names an integration style.
type Pattern string

const (
	PatternAuto    Pattern = "auto"
	PatternWrapper Pattern = "wrapper"
	PatternManual  Pattern = "manual"
)

// ErrPatternUnsupported is returned by providers that cannot offer a
// requested integration pattern (the gemini SDK has no middleware
// hook, so auto-integration is unavailable there).
var ErrPatternUnsupported = errors.New("integration pattern not supported by this provider")

// Message roles shared across backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderRequest is the normalized view of an outbound LLM call.
type ProviderRequest struct {
	Provider  string         `json:"provider"`
	Pattern   Pattern        `json:"pattern"`
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	System    string         `json:"system,omitempty"`
	UserInput string         `json:"user_input,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Raw carries the untouched backend request for passthrough.
	Raw any `json:"-"`
}

// ProviderResponse is the normalized view of an LLM reply.
type ProviderResponse struct {
	Provider   string         `json:"provider"`
	Pattern    Pattern        `json:"pattern"`
	Model      string         `json:"model"`
	Content    string         `json:"content"`
	TokensUsed int            `json:"tokens_used"`
	Duration   time.Duration  `json:"duration"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	Raw any `json:"-"`
}

// Interceptor is what a provider integration calls back into around an
// outbound LLM call. HandleRequest returns the context block to inject
// ("" for none); HandleResponse records the finished turn. Both must be
// safe for concurrent use and must not be called while holding locks
// across the outbound call.
type Interceptor interface {
	HandleRequest(ctx context.Context, req *ProviderRequest) (string, error)
	HandleResponse(ctx context.Context, req *ProviderRequest, resp *ProviderResponse) error
}

// CompletionRequest is the minimal completion call used by the
// classification and promotion agents.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// ResponseSchema, when set, constrains the output to JSON matching
	// the schema. SchemaName labels it for backends that require one.
	ResponseSchema json.RawMessage
	SchemaName     string
}

// CompletionResponse is a completed structured call.
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// StructuredClient issues schema-constrained completions.
type StructuredClient interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Provider is one LLM backend integration.
type Provider interface {
	Name() string

	// Available reports whether credentials and configuration suffice
	// to reach the backend.
	Available() bool

	// Patterns lists the integration patterns this backend supports.
	Patterns() []Pattern

	// SetupAutoIntegration arms transparent interception; teardown
	// disarms it and must leave the backend exactly as found.
	SetupAutoIntegration(ic Interceptor) error
	TeardownAutoIntegration() error

	// ExtractUserInput pulls the latest user text from a request.
	ExtractUserInput(req *ProviderRequest) string

	// InjectContext places the context block the way this backend
	// expects (system message prepend or system parameter).
	InjectContext(req *ProviderRequest, contextPrompt string)

	// ParseResponse normalizes a backend response object.
	ParseResponse(raw any, req *ProviderRequest) (*ProviderResponse, error)

	// StructuredClient exposes the completion surface for agents.
	StructuredClient() (StructuredClient, error)
}

// ExtractLatestUserInput is the shared message-array implementation of
// ExtractUserInput: the content of the last user-role message.
func ExtractLatestUserInput(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// PrependSystemContext injects a context block into a message array:
// prepends to an existing leading system message or creates one.
func PrependSystemContext(messages []Message, contextPrompt string) []Message {
	if contextPrompt == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		messages[0].Content = contextPrompt + "\n\n" + messages[0].Content
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: contextPrompt})
	return append(out, messages...)
}
