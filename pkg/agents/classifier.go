// Package agents holds the LLM-driven workers of the memory pipeline:
// the classifier that turns raw exchanges into processed memories, the
// conscious-ingest agent that condenses identity rows into a user
// profile, and the promotion agent that maintains working memory.
// Agent failures are logged and swallowed; they never block recording.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/observability"
	"github.com/memorihq/memori/pkg/providers"
	"github.com/memorihq/memori/pkg/tokens"
)

const (
	// classifierTemperature keeps extraction near-deterministic.
	classifierTemperature = 0.1
	classifierMaxTokens   = 1024

	// DefaultClassifierInputTokens caps the exchange sent for
	// classification; longer exchanges are truncated from the middle.
	DefaultClassifierInputTokens = 6000

	truncationMarker = "\n...[truncated]...\n"
)

const classificationSystemPrompt = `You are a memory classification agent. You receive one exchange between a user and an AI assistant and extract the information worth remembering about the user.

CATEGORIES (choose exactly one):
- fact: objective information about the user or their world
- preference: likes, dislikes, chosen tools, preferred ways of working
- skill: abilities and expertise the user has or is building
- rule: constraints, policies, instructions that must be respected later
- context: background on the user's situation, projects, environment
- conversational: small talk or exchanges with no lasting value
- conscious-info: identity-level information (who the user is, where they work, what they are working on right now)

IMPORTANCE (choose exactly one): critical, high, medium, low.

ENTITIES: extract named entities into these types only: people, technologies, topics, skills, projects. Omit empty types.

FLAGS:
1. is_user_context: true when the memory describes who the user is
2. is_preference: true when it captures a lasting preference
3. is_skill_knowledge: true when it captures a skill or expertise
4. is_current_project: true when it concerns active work
5. promotion_eligible: true when the memory deserves a place in working memory

SCORES: importance_score, novelty_score, relevance_score, actionability_score and confidence_score each range from 0 to 1.

Set classification to "conscious-info" for identity-level memories and "contextual" otherwise. Give a one-line classification_reason.

Respond with a single JSON object matching the provided schema. No prose, no markdown fences.`

const classificationUserPrompt = `Classify this exchange:

USER: %s

ASSISTANT: %s`

// Classifier turns raw conversational exchanges into processed memory
// records via a structured LLM call.
type Classifier struct {
	client         providers.StructuredClient
	model          string
	counter        *tokens.Counter
	maxInputTokens int
	schema         json.RawMessage
}

// NewClassifier builds a classifier bound to one structured client.
// The model is used both for the calls and for token accounting.
func NewClassifier(client providers.StructuredClient, model string) (*Classifier, error) {
	if client == nil {
		return nil, fmt.Errorf("structured client is required")
	}

	schema, err := ReflectSchema(&memory.ProcessedMemory{})
	if err != nil {
		return nil, fmt.Errorf("failed to reflect classification schema: %w", err)
	}

	return &Classifier{
		client:         client,
		model:          model,
		counter:        tokens.NewCounter(model),
		maxInputTokens: DefaultClassifierInputTokens,
		schema:         schema,
	}, nil
}

// SetMaxInputTokens overrides the truncation threshold.
func (c *Classifier) SetMaxInputTokens(n int) {
	if n > 0 {
		c.maxInputTokens = n
	}
}

// Classify extracts a processed memory from one exchange. It retries a
// rejected response once and falls back to a minimal conversational
// record after the second failure, so the returned record is always
// usable. The only error returned is context cancellation.
func (c *Classifier) Classify(ctx context.Context, userInput, aiOutput string) (*memory.ProcessedMemory, error) {
	userInput, aiOutput = c.truncateExchange(userInput, aiOutput)

	req := &providers.CompletionRequest{
		Model:       c.model,
		System:      classificationSystemPrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: fmt.Sprintf(classificationUserPrompt, userInput, aiOutput)}},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,

		ResponseSchema: c.schema,
		SchemaName:     "processed_memory",
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.client.Complete(ctx, req)
		if err != nil {
			observability.GetGlobalMetrics().RecordLLMCall(ctx, c.client.Name(), c.model, time.Since(start), 0, 0, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("classification call failed", "attempt", attempt, "error", err)
			continue
		}
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.client.Name(), c.model, time.Since(start), resp.InputTokens, resp.OutputTokens, nil)

		record, err := parseProcessed(resp.Content)
		if err != nil {
			slog.Warn("classification response rejected", "attempt", attempt, "error", err)
			continue
		}
		return record, nil
	}

	slog.Warn("classification fell back to conversational record")
	return FallbackRecord(userInput, aiOutput), nil
}

// FallbackRecord is the minimal record stored when classification
// fails twice: conversational, medium importance, no entities.
func FallbackRecord(userInput, aiOutput string) *memory.ProcessedMemory {
	content := strings.TrimSpace(userInput)
	if content == "" {
		content = strings.TrimSpace(aiOutput)
	}

	return &memory.ProcessedMemory{
		Content:              content,
		Summary:              firstLine(content, 120),
		Category:             memory.CategoryConversational,
		Importance:           memory.ImportanceMedium,
		ImportanceScore:      memory.ImportanceMedium.Weight(),
		Classification:       memory.ClassificationContextual,
		ClassificationReason: "extraction_failed",
	}
}

// truncateExchange middle-truncates each side so the combined exchange
// fits the input budget, preserving head and tail.
func (c *Classifier) truncateExchange(userInput, aiOutput string) (string, string) {
	if c.counter.CountExchange(userInput, aiOutput) <= c.maxInputTokens {
		return userInput, aiOutput
	}

	half := c.maxInputTokens / 2
	return c.counter.TruncateMiddle(userInput, half, truncationMarker),
		c.counter.TruncateMiddle(aiOutput, half, truncationMarker)
}

// parseProcessed decodes and validates a structured response. Lineage
// fields are owned by deduplication and never trusted from the model.
func parseProcessed(content string) (*memory.ProcessedMemory, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var record memory.ProcessedMemory
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to parse classification response: %w", err)
	}

	record.ClampScores()
	record.Entities = memory.NormalizeEntities(record.Entities)
	record.DuplicateOf = ""
	record.Supersedes = nil
	record.RelatedMemories = nil

	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

// extractJSON returns the outermost JSON object in text, tolerating
// markdown fences and prose around it.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func firstLine(text string, max int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max])
	}
	return text
}

// ReflectSchema derives a JSON schema from a Go type's struct tags,
// inlined and stripped of identifiers, suitable for structured-output
// modes across backends.
func ReflectSchema(v any) (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}

	data, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
