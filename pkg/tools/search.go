package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memorihq/memori/pkg/config"
)

// SearchArgs are the memory_search parameters.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to recall from memory (natural language)"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum memories to return,default=5,minimum=1,maximum=50"`
}

type searchHit struct {
	MemoryID   string    `json:"memory_id"`
	Category   string    `json:"category"`
	Summary    string    `json:"summary"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

type searchOutput struct {
	Query   string      `json:"query"`
	Count   int         `json:"count"`
	Results []searchHit `json:"results"`
}

// NewSearchTool builds memory_search: ranked full-text recall over the
// instance's namespace.
func NewSearchTool(mem Memory) (*Tool, error) {
	schema, err := paramsSchema[SearchArgs]()
	if err != nil {
		return nil, fmt.Errorf("failed to build memory_search schema: %w", err)
	}

	return &Tool{
		Name: "memory_search",
		Description: "Search the agent's persistent memory for facts, preferences, skills and " +
			"past conversations relevant to a query. Use before answering questions that " +
			"depend on what the user told you earlier.",
		Schema: schema,
		run: func(ctx context.Context, args map[string]any) (string, error) {
			var params SearchArgs
			if err := decodeArgs(args, &params); err != nil {
				return "", err
			}
			if params.Query == "" {
				return "", fmt.Errorf("query is required")
			}
			if params.Limit <= 0 {
				params.Limit = config.DefaultRecallLimit
			}

			ranked, err := mem.SearchMemories(ctx, params.Query, params.Limit)
			if err != nil {
				return "", fmt.Errorf("memory search failed: %w", err)
			}

			out := searchOutput{Query: params.Query, Count: len(ranked), Results: []searchHit{}}
			for _, r := range ranked {
				out.Results = append(out.Results, searchHit{
					MemoryID:   r.MemoryID,
					Category:   r.CategoryPrimary,
					Summary:    r.Summary,
					Content:    r.SearchableContent,
					Importance: r.ImportanceScore,
					Score:      r.Score,
					CreatedAt:  r.CreatedAt,
				})
			}
			return encodeOutput(out)
		},
	}, nil
}

func encodeOutput(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}
