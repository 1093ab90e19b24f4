package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/storage"
)

func openTestStore(t *testing.T) *memory.Store {
	t.Helper()

	engine, err := storage.Open(context.Background(), &config.ConnectionInfo{
		Driver: config.DriverSQLite,
		DSN:    config.SQLiteMemoryPath,
	})
	require.NoError(t, err)

	store, err := memory.NewStore(context.Background(), engine)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func storeMemory(t *testing.T, store *memory.Store, content string, importance float64) string {
	t.Helper()
	id, err := store.StoreLongTerm(context.Background(), &memory.ProcessedMemory{
		Content:         content,
		Summary:         content,
		Category:        memory.CategoryFact,
		ImportanceScore: importance,
	}, "", "default")
	require.NoError(t, err)
	return id
}

func result(id, content string, search, importance float64, age time.Duration, now time.Time) *memory.SearchResult {
	return &memory.SearchResult{
		Memory: memory.Memory{
			MemoryID:          id,
			ImportanceScore:   importance,
			SearchableContent: content,
			CreatedAt:         now.Add(-age),
		},
		Tier:        memory.TierLongTerm,
		SearchScore: search,
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Now().UTC()

	assert.InDelta(t, 1.0, RecencyScore(now, now), 0.001)
	assert.InDelta(t, 0.5, RecencyScore(now.Add(-15*24*time.Hour), now), 0.001)
	assert.InDelta(t, 0.0, RecencyScore(now.Add(-30*24*time.Hour), now), 0.001)
	assert.Equal(t, 0.0, RecencyScore(now.Add(-90*24*time.Hour), now))
	assert.Equal(t, 1.0, RecencyScore(now.Add(time.Hour), now), "future timestamps clamp to 1")
}

func TestCompositeScore(t *testing.T) {
	score := CompositeScore(ScoreComponents{Search: 1, Importance: 1, Recency: 1})
	assert.InDelta(t, 1.0, score, 0.001)

	score = CompositeScore(ScoreComponents{Search: 0.8, Importance: 0.5, Recency: 0.2})
	assert.InDelta(t, 0.8*0.5+0.5*0.3+0.2*0.2, score, 0.001)

	assert.Equal(t, 0.0, CompositeScore(ScoreComponents{}))
}

func TestRankOrdersByCompositeScore(t *testing.T) {
	now := time.Now().UTC()

	// Low search score but high importance and fresh.
	fresh := result("fresh", "fresh row", 0.2, 1.0, 0, now)
	// High search score but old and unimportant.
	stale := result("stale", "stale row", 0.9, 0.0, 60*24*time.Hour, now)

	ranked := Rank([]*memory.SearchResult{stale, fresh}, now)
	require.Len(t, ranked, 2)

	// fresh: 0.5*0.2 + 0.3*1.0 + 0.2*1.0 = 0.60
	// stale: 0.5*0.9 + 0.3*0.0 + 0.2*0.0 = 0.45
	assert.Equal(t, "fresh", ranked[0].MemoryID)
	assert.InDelta(t, 0.60, ranked[0].Score, 0.001)
	assert.Equal(t, "stale", ranked[1].MemoryID)
	assert.InDelta(t, 0.45, ranked[1].Score, 0.001)
}

func TestRankBreaksTiesByCreatedAt(t *testing.T) {
	now := time.Now().UTC()

	// Both rows are past the recency window, so recency is 0 for each
	// and the composite scores are exactly equal.
	older := result("older", "same score a", 0.5, 0.5, 90*24*time.Hour, now)
	newer := result("newer", "same score b", 0.5, 0.5, 60*24*time.Hour, now)

	ranked := Rank([]*memory.SearchResult{older, newer}, now)
	require.Len(t, ranked, 2)
	require.Equal(t, ranked[0].Score, ranked[1].Score)
	assert.Equal(t, "newer", ranked[0].MemoryID, "newer row wins ties")
}

func TestDedupe(t *testing.T) {
	now := time.Now().UTC()
	ranked := Rank([]*memory.SearchResult{
		result("a", "User prefers tabs", 0.9, 0.5, 0, now),
		result("b", "  user prefers TABS  ", 0.4, 0.5, 0, now),
		result("c", "User prefers spaces", 0.5, 0.5, 0, now),
	}, now)

	deduped := Dedupe(ranked)
	require.Len(t, deduped, 2)
	assert.Equal(t, "a", deduped[0].MemoryID, "highest ranked duplicate wins")

	ids := []string{deduped[0].MemoryID, deduped[1].MemoryID}
	assert.NotContains(t, ids, "b")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-5))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, storage.MaxSearchLimit, ClampLimit(5000))
}

func TestRetrieve(t *testing.T) {
	store := openTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()

	pythonID := storeMemory(t, store, "python decorator patterns for caching", 0.9)
	storeMemory(t, store, "favorite cooking recipe is carbonara", 0.9)

	ranked, err := engine.Retrieve(ctx, Options{
		Query:     "Show me a python decorator example",
		Namespace: "default",
		Limit:     5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ranked)

	assert.Equal(t, pythonID, ranked[0].MemoryID)
	for _, r := range ranked {
		assert.NotContains(t, r.SearchableContent, "carbonara")
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}

	// Returned rows get their access counters bumped.
	m, err := store.GetMemory(ctx, memory.TierLongTerm, pythonID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
}

func TestRetrieveRequiresNamespace(t *testing.T) {
	store := openTestStore(t)
	engine := NewEngine(store)

	_, err := engine.Retrieve(context.Background(), Options{Query: "anything"})
	assert.Error(t, err)
}

func TestRetrieveEmptyStore(t *testing.T) {
	store := openTestStore(t)
	engine := NewEngine(store)

	ranked, err := engine.Retrieve(context.Background(), Options{Query: "anything", Namespace: "default"})
	require.NoError(t, err)
	assert.Empty(t, ranked)
}
