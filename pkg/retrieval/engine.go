// Package retrieval ranks stored memories for injection into upcoming
// LLM calls. Search scores from the storage layer are blended with
// importance and recency, duplicates collapse to their first (highest
// ranked) occurrence, and access counters are bumped for everything
// returned.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/storage"
)

const (
	// DefaultLimit is the auto-mode result count when the caller does
	// not ask for a specific one.
	DefaultLimit = 5

	weightSearch     = 0.5
	weightImportance = 0.3
	weightRecency    = 0.2

	// recencyWindowDays is the age at which the recency component
	// reaches zero.
	recencyWindowDays = 30.0

	// overfetchFactor widens the store query so ranking and
	// deduplication have material to work with.
	overfetchFactor = 3
)

// Options filters one retrieval pass. Query is raw user input; the
// engine extracts search terms itself.
type Options struct {
	Query          string
	Namespace      string
	Category       string
	Limit          int
	IncludeExpired bool
}

// ScoreComponents breaks a composite score into its weighted inputs.
type ScoreComponents struct {
	Search     float64 `json:"search"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// RankedMemory is a search hit with its composite relevance score.
type RankedMemory struct {
	memory.SearchResult
	Score      float64
	Components ScoreComponents
}

// Engine runs ranked retrieval over a memory store.
type Engine struct {
	store *memory.Store
}

func NewEngine(store *memory.Store) *Engine {
	return &Engine{store: store}
}

// Retrieve searches both tiers, ranks by the composite score,
// deduplicates, and returns at most the requested number of results.
// Access counters for returned rows update best-effort.
func (e *Engine) Retrieve(ctx context.Context, opts Options) ([]*RankedMemory, error) {
	limit := ClampLimit(opts.Limit)

	fetch := limit * overfetchFactor
	if fetch > storage.MaxSearchLimit {
		fetch = storage.MaxSearchLimit
	}

	results, err := e.store.Search(ctx, memory.SearchOptions{
		Query:          ExtractQuery(opts.Query),
		Namespace:      opts.Namespace,
		Category:       opts.Category,
		Limit:          fetch,
		IncludeExpired: opts.IncludeExpired,
	})
	if err != nil {
		return nil, err
	}

	ranked := Rank(results, time.Now().UTC())
	ranked = Dedupe(ranked)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	e.touch(ctx, ranked)
	return ranked, nil
}

// ClampLimit normalizes a requested result count into [1, MaxSearchLimit].
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > storage.MaxSearchLimit {
		return storage.MaxSearchLimit
	}
	return n
}

// Rank scores every result and orders them best first. Ties break on
// created_at descending, then id for a stable order.
func Rank(results []*memory.SearchResult, now time.Time) []*RankedMemory {
	ranked := make([]*RankedMemory, 0, len(results))
	for _, r := range results {
		components := ScoreComponents{
			Search:     r.SearchScore,
			Importance: r.ImportanceScore,
			Recency:    RecencyScore(r.CreatedAt, now),
		}
		ranked = append(ranked, &RankedMemory{
			SearchResult: *r,
			Score:        CompositeScore(components),
			Components:   components,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		}
		return ranked[i].MemoryID < ranked[j].MemoryID
	})
	return ranked
}

// Dedupe collapses rows sharing a content identity; the first (highest
// ranked) occurrence wins.
func Dedupe(ranked []*RankedMemory) []*RankedMemory {
	seen := make(map[string]struct{}, len(ranked))
	out := ranked[:0]
	for _, r := range ranked {
		key := strings.ToLower(strings.TrimSpace(r.SearchableContent + r.Summary))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// CompositeScore blends search, importance, and recency at 0.5/0.3/0.2.
func CompositeScore(c ScoreComponents) float64 {
	return weightSearch*c.Search + weightImportance*c.Importance + weightRecency*c.Recency
}

// RecencyScore decays linearly from 1 at age zero to 0 at the window
// boundary.
func RecencyScore(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	score := 1 - ageDays/recencyWindowDays
	if score < 0 {
		return 0
	}
	return score
}

func (e *Engine) touch(ctx context.Context, ranked []*RankedMemory) {
	byTier := make(map[memory.Tier][]string, 2)
	for _, r := range ranked {
		byTier[r.Tier] = append(byTier[r.Tier], r.MemoryID)
	}
	for tier, ids := range byTier {
		if err := e.store.TouchAccess(ctx, tier, ids); err != nil {
			slog.Warn("failed to update access counters", "tier", tier, "error", err)
		}
	}
}
