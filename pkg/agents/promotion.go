package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/observability"
	"github.com/memorihq/memori/pkg/providers"
	"github.com/memorihq/memori/pkg/retrieval"
)

const (
	// DefaultEssentialTTL is how long promoted essentials live in
	// short-term memory before the next cycle re-evaluates them.
	DefaultEssentialTTL = 30 * 24 * time.Hour

	// promotionWindow bounds how far back the cycle looks for
	// candidates.
	promotionWindow = 30 * 24 * time.Hour

	// EssentialCategoryPrefix marks short-term rows written by the
	// promotion cycle.
	EssentialCategoryPrefix = "essential_"

	maxEssentials = 10
)

const promotionSystemPrompt = `You curate an agent's working memory. From the candidate memories below, select the 5 to 10 most essential ones: the memories the agent should have at hand in every future conversation. Select fewer only when fewer candidates exist.

Score every selection from 0 to 1 on:
- frequency: how often this information matters across conversations
- recency: how current the information is
- importance: how much is lost if the agent forgets it

Give a one-line reasoning per selection. Respond with a single JSON object matching the provided schema. No prose.`

// EssentialPick is one promotion selection with its scoring.
type EssentialPick struct {
	MemoryID   string  `json:"memory_id" jsonschema:"description=ID of the selected memory"`
	Frequency  float64 `json:"frequency" jsonschema:"minimum=0,maximum=1"`
	Recency    float64 `json:"recency" jsonschema:"minimum=0,maximum=1"`
	Importance float64 `json:"importance" jsonschema:"minimum=0,maximum=1"`
	Reasoning  string  `json:"reasoning,omitempty" jsonschema:"description=Why this memory is essential"`
}

type essentialSelection struct {
	Selections []EssentialPick `json:"selections" jsonschema:"description=The selected essential memories"`
}

// PromotionAgent maintains working memory: every cycle it re-selects
// the essential long-term rows and copies them into short-term with a
// bounded lifetime.
type PromotionAgent struct {
	store  *memory.Store
	client providers.StructuredClient
	model  string
	ttl    time.Duration
}

// NewPromotionAgent builds the agent. A nil client selects essentials
// heuristically by importance and access frequency.
func NewPromotionAgent(store *memory.Store, client providers.StructuredClient, model string) *PromotionAgent {
	return &PromotionAgent{store: store, client: client, model: model, ttl: DefaultEssentialTTL}
}

// SetTTL overrides the essential row lifetime.
func (a *PromotionAgent) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		a.ttl = ttl
	}
}

// Run executes one promotion cycle for a namespace and returns how
// many rows were promoted. Previous essentials are cleared before the
// new selection lands, so working memory never accretes.
func (a *PromotionAgent) Run(ctx context.Context, namespace string) (int, error) {
	now := time.Now().UTC()

	candidates, err := a.store.PromotionCandidates(ctx, namespace, now.Add(-promotionWindow), 0)
	if err != nil {
		observability.GetGlobalMetrics().RecordPromotion(ctx, namespace, 0, err)
		return 0, fmt.Errorf("failed to load promotion candidates: %w", err)
	}
	if len(candidates) == 0 {
		slog.Debug("promotion cycle found no candidates", "namespace", namespace)
		return 0, nil
	}

	picks := a.selectEssentials(ctx, candidates, now)
	if len(picks) == 0 {
		return 0, nil
	}

	if _, err := a.store.ClearEssentials(ctx, namespace); err != nil {
		observability.GetGlobalMetrics().RecordPromotion(ctx, namespace, 0, err)
		return 0, fmt.Errorf("failed to clear previous essentials: %w", err)
	}

	byID := make(map[string]*memory.Memory, len(candidates))
	for _, m := range candidates {
		byID[m.MemoryID] = m
	}

	promoted := 0
	for _, pick := range picks {
		source, ok := byID[pick.MemoryID]
		if !ok {
			slog.Warn("promotion selection references unknown memory", "namespace", namespace, "memory_id", pick.MemoryID)
			continue
		}

		reason := strings.TrimSpace(pick.Reasoning)
		if reason == "" {
			reason = fmt.Sprintf("essential: frequency=%.2f recency=%.2f importance=%.2f", pick.Frequency, pick.Recency, pick.Importance)
		}

		_, err := a.store.Promote(ctx, source.MemoryID, a.ttl, &memory.PromoteOptions{
			CategoryPrefix: EssentialCategoryPrefix,
			Classification: memory.ClassificationEssential,
			Reason:         reason,
		})
		if err != nil {
			slog.Warn("failed to promote memory", "namespace", namespace, "memory_id", source.MemoryID, "error", err)
			continue
		}
		promoted++
	}

	observability.GetGlobalMetrics().RecordPromotion(ctx, namespace, promoted, nil)
	slog.Info("promotion cycle complete", "namespace", namespace, "candidates", len(candidates), "promoted", promoted)
	return promoted, nil
}

// selectEssentials picks the essential subset, via the LLM when one is
// configured and by ranking otherwise. LLM failure degrades to the
// ranking path rather than skipping the cycle.
func (a *PromotionAgent) selectEssentials(ctx context.Context, candidates []*memory.Memory, now time.Time) []EssentialPick {
	if a.client == nil {
		return heuristicPicks(candidates, now)
	}

	picks, err := a.llmPicks(ctx, candidates)
	if err != nil {
		slog.Warn("essential selection failed, using heuristic ranking", "error", err)
		return heuristicPicks(candidates, now)
	}
	return picks
}

// heuristicPicks takes the top candidates as delivered (importance
// then access count) and derives scores from row statistics.
func heuristicPicks(candidates []*memory.Memory, now time.Time) []EssentialPick {
	n := len(candidates)
	if n > maxEssentials {
		n = maxEssentials
	}

	picks := make([]EssentialPick, 0, n)
	for _, m := range candidates[:n] {
		frequency := float64(m.AccessCount) / 10
		if frequency > 1 {
			frequency = 1
		}
		picks = append(picks, EssentialPick{
			MemoryID:   m.MemoryID,
			Frequency:  frequency,
			Recency:    retrieval.RecencyScore(m.CreatedAt, now),
			Importance: m.ImportanceScore,
			Reasoning:  "top ranked by importance and access frequency",
		})
	}
	return picks
}

func (a *PromotionAgent) llmPicks(ctx context.Context, candidates []*memory.Memory) ([]EssentialPick, error) {
	schema, err := ReflectSchema(&essentialSelection{})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Candidate memories:\n")
	for _, m := range candidates {
		text := m.Summary
		if text == "" {
			text = m.SearchableContent
		}
		fmt.Fprintf(&b, "- id: %s | category: %s | importance: %.2f | accessed: %d | created: %s | %s\n",
			m.MemoryID, m.CategoryPrimary, m.ImportanceScore, m.AccessCount, m.CreatedAt.Format("2006-01-02"), text)
	}

	req := &providers.CompletionRequest{
		Model:       a.model,
		System:      promotionSystemPrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: b.String()}},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,

		ResponseSchema: schema,
		SchemaName:     "essential_selection",
	}

	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		observability.GetGlobalMetrics().RecordLLMCall(ctx, a.client.Name(), a.model, time.Since(start), 0, 0, err)
		return nil, err
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, a.client.Name(), a.model, time.Since(start), resp.InputTokens, resp.OutputTokens, nil)

	raw := extractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in selection response")
	}

	var selection essentialSelection
	if err := json.Unmarshal([]byte(raw), &selection); err != nil {
		return nil, fmt.Errorf("failed to parse selection response: %w", err)
	}
	if len(selection.Selections) == 0 {
		return nil, fmt.Errorf("selection response named no memories")
	}

	valid := make(map[string]bool, len(candidates))
	for _, m := range candidates {
		valid[m.MemoryID] = true
	}

	picks := selection.Selections
	if len(picks) > maxEssentials {
		picks = picks[:maxEssentials]
	}

	kept := picks[:0]
	for _, pick := range picks {
		if !valid[pick.MemoryID] {
			continue
		}
		pick.Frequency = clamp01(pick.Frequency)
		pick.Recency = clamp01(pick.Recency)
		pick.Importance = clamp01(pick.Importance)
		kept = append(kept, pick)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("selection response named no known memories")
	}
	return kept, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
