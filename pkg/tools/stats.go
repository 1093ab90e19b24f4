package tools

import (
	"context"
	"fmt"
)

// StatsArgs is empty; memory_stats takes no parameters.
type StatsArgs struct{}

// NewStatsTool builds memory_stats: chat and tier counts for the
// instance's namespace.
func NewStatsTool(mem Memory) (*Tool, error) {
	schema, err := paramsSchema[StatsArgs]()
	if err != nil {
		return nil, fmt.Errorf("failed to build memory_stats schema: %w", err)
	}

	return &Tool{
		Name:        "memory_stats",
		Description: "Report how much is stored in persistent memory: chat turns, long-term and short-term counts, and category breakdowns.",
		Schema:      schema,
		run: func(ctx context.Context, args map[string]any) (string, error) {
			stats, err := mem.Stats(ctx)
			if err != nil {
				return "", fmt.Errorf("failed to read stats: %w", err)
			}
			return encodeOutput(stats)
		},
	}, nil
}
