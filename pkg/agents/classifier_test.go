package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/providers"
)

// fakeClient scripts structured-client behavior per call: errs[i] or
// responses[i] for call i, with the last response repeated when the
// script runs out.
type fakeClient struct {
	name      string
	responses []string
	errs      []error

	calls    int
	requests []*providers.CompletionRequest
}

func (f *fakeClient) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeClient) Complete(_ context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}

	content := ""
	if i < len(f.responses) {
		content = f.responses[i]
	} else if len(f.responses) > 0 {
		content = f.responses[len(f.responses)-1]
	}
	return &providers.CompletionResponse{Content: content, Model: req.Model, InputTokens: 20, OutputTokens: 10}, nil
}

const validClassification = `{
	"content": "User works at Acme as a backend engineer",
	"summary": "User is a backend engineer at Acme",
	"category": "fact",
	"importance": "high",
	"topic": "employment",
	"entities": {"people": [], "technologies": ["Go"]},
	"keywords": ["acme", "engineer"],
	"importance_score": 0.8,
	"novelty_score": 0.6,
	"relevance_score": 0.7,
	"actionability_score": 0.4,
	"confidence_score": 0.9,
	"is_user_context": true,
	"is_preference": false,
	"is_skill_knowledge": false,
	"is_current_project": false,
	"promotion_eligible": true,
	"classification": "conscious-info",
	"classification_reason": "identity information"
}`

func TestClassify(t *testing.T) {
	client := &fakeClient{responses: []string{validClassification}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	record, err := classifier.Classify(context.Background(), "I work at Acme as a backend engineer", "Good to know!")
	require.NoError(t, err)

	assert.Equal(t, memory.CategoryFact, record.Category)
	assert.Equal(t, memory.ImportanceHigh, record.Importance)
	assert.Equal(t, memory.ClassificationConsciousInfo, record.Classification)
	assert.True(t, record.IsUserContext)
	assert.True(t, record.PromotionEligible)
	assert.InDelta(t, 0.8, record.ImportanceScore, 0.001)

	// Empty entity types fall away.
	assert.Equal(t, map[string][]string{"technologies": {"Go"}}, record.Entities)

	require.Equal(t, 1, client.calls)
	req := client.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.InDelta(t, 0.1, req.Temperature, 0.001)
	assert.NotEmpty(t, req.ResponseSchema)
	assert.Contains(t, req.System, "conscious-info")
}

func TestClassifyToleratesMarkdownFences(t *testing.T) {
	client := &fakeClient{responses: []string{"```json\n" + validClassification + "\n```"}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	record, err := classifier.Classify(context.Background(), "hello", "hi")
	require.NoError(t, err)
	assert.Equal(t, memory.CategoryFact, record.Category)
}

func TestClassifyRetriesOnceThenSucceeds(t *testing.T) {
	client := &fakeClient{responses: []string{`{"content": "x", "category": "planet"}`, validClassification}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	record, err := classifier.Classify(context.Background(), "hello", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, memory.CategoryFact, record.Category)
}

func TestClassifyFallsBackAfterTwoFailures(t *testing.T) {
	client := &fakeClient{errs: []error{fmt.Errorf("rate limited"), fmt.Errorf("rate limited")}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	record, err := classifier.Classify(context.Background(), "my question", "an answer")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)

	assert.Equal(t, memory.CategoryConversational, record.Category)
	assert.Equal(t, memory.ImportanceMedium, record.Importance)
	assert.Equal(t, "extraction_failed", record.ClassificationReason)
	assert.Equal(t, "my question", record.Content)
	assert.Empty(t, record.Entities)
}

func TestClassifyClearsLineageFields(t *testing.T) {
	tampered := strings.Replace(validClassification,
		`"classification_reason": "identity information"`,
		`"classification_reason": "identity information", "duplicate_of": "abc", "supersedes": ["x"]`, 1)
	client := &fakeClient{responses: []string{tampered}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	record, err := classifier.Classify(context.Background(), "hello", "hi")
	require.NoError(t, err)
	assert.Empty(t, record.DuplicateOf)
	assert.Empty(t, record.Supersedes)
}

func TestClassifyHonorsCancellation(t *testing.T) {
	client := &fakeClient{responses: []string{validClassification}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = classifier.Classify(ctx, "hello", "hi")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, client.calls)
}

func TestClassifyTruncatesLongExchanges(t *testing.T) {
	client := &fakeClient{responses: []string{validClassification}}
	classifier, err := NewClassifier(client, "gpt-4o")
	require.NoError(t, err)
	classifier.SetMaxInputTokens(40)

	long := strings.Repeat("alpha beta gamma ", 200)
	_, err = classifier.Classify(context.Background(), long, long)
	require.NoError(t, err)

	prompt := client.requests[0].Messages[0].Content
	assert.Contains(t, prompt, truncationMarker)
	assert.Less(t, len(prompt), len(long))
}

func TestFallbackRecordUsesAIOutputWhenInputEmpty(t *testing.T) {
	record := FallbackRecord("  ", "the answer")
	assert.Equal(t, "the answer", record.Content)
	assert.Equal(t, "the answer", record.Summary)
}

func TestReflectSchema(t *testing.T) {
	raw, err := ReflectSchema(&memory.ProcessedMemory{})
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "category")
	assert.Contains(t, props, "importance_score")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "content")
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("Here you go: {\"a\":1} hope that helps"))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(`{"a":{"b":2}}`))
	assert.Empty(t, extractJSON("no json here"))
	assert.Empty(t, extractJSON("}{"))
}
