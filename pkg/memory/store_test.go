package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	engine, err := storage.Open(context.Background(), &config.ConnectionInfo{
		Driver: config.DriverSQLite,
		DSN:    config.SQLiteMemoryPath,
	})
	require.NoError(t, err)

	store, err := NewStore(context.Background(), engine)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testProcessed(content, summary string) *ProcessedMemory {
	return &ProcessedMemory{
		Content:         content,
		Summary:         summary,
		Category:        CategoryFact,
		Importance:      ImportanceMedium,
		ImportanceScore: 0.5,
		Topic:           "testing",
		Keywords:        []string{"test"},
	}
}

func TestStoreChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.StoreChat(ctx, &ChatRecord{
		UserInput:  "What is the capital of France?",
		AIOutput:   "The capital of France is Paris.",
		Model:      "gpt-4o",
		SessionID:  "session-1",
		Namespace:  "default",
		TokensUsed: 42,
		Metadata:   map[string]any{"source": "unit-test"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := store.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Chats)
}

func TestStoreChatPreservesCallerID(t *testing.T) {
	store := openTestStore(t)

	id, err := store.StoreChat(context.Background(), &ChatRecord{
		ChatID:    "chat-42",
		UserInput: "hello",
		AIOutput:  "hi",
		Namespace: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, "chat-42", id)

	// Same (chat_id, namespace) violates the primary key.
	_, err = store.StoreChat(context.Background(), &ChatRecord{
		ChatID:    "chat-42",
		UserInput: "hello again",
		AIOutput:  "hi again",
		Namespace: "default",
	})
	assert.Error(t, err)

	// Same id in another namespace is fine.
	_, err = store.StoreChat(context.Background(), &ChatRecord{
		ChatID:    "chat-42",
		UserInput: "hello",
		AIOutput:  "hi",
		Namespace: "other",
	})
	assert.NoError(t, err)
}

func TestStoreChatRejectsHostileInput(t *testing.T) {
	store := openTestStore(t)

	_, err := store.StoreChat(context.Background(), &ChatRecord{
		UserInput: "'; DROP TABLE chat_history; --",
		AIOutput:  "sure",
		Namespace: "default",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurity)
}

func TestStoreLongTermRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	processed := testProcessed("User prefers Go for backend services", "Prefers Go")
	processed.Category = CategoryPreference
	processed.IsPreference = true
	processed.Entities = map[string][]string{
		"technologies": {"Go"},
		"unknown_kind": {"dropped"},
	}

	id, err := store.StoreLongTerm(ctx, processed, "chat-1", "default")
	require.NoError(t, err)

	m, err := store.GetMemory(ctx, TierLongTerm, id)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "chat-1", m.OriginalChatID)
	assert.Equal(t, "default", m.Namespace)
	assert.Equal(t, string(CategoryPreference), m.CategoryPrimary)
	assert.Equal(t, ClassificationContextual, m.Processed.Classification)
	assert.True(t, m.Processed.IsPreference)
	assert.Equal(t, []string{"Go"}, m.Processed.Entities["technologies"])
	assert.NotContains(t, m.Processed.Entities, "unknown_kind")
	assert.False(t, m.CreatedAt.IsZero())
}

func TestGetMemoryMissing(t *testing.T) {
	store := openTestStore(t)

	m, err := store.GetMemory(context.Background(), TierLongTerm, "nope")
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = store.GetMemory(context.Background(), Tier("bogus"), "id")
	assert.Error(t, err)
}

func TestStoreShortTermExpiryAndReap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	shortID, err := store.StoreShortTerm(ctx, testProcessed("ephemeral note", "note"), "", "default", time.Minute)
	require.NoError(t, err)

	keepID, err := store.StoreShortTerm(ctx, testProcessed("fresh note", "fresh"), "", "default", 24*time.Hour)
	require.NoError(t, err)

	m, err := store.GetMemory(ctx, TierShortTerm, shortID)
	require.NoError(t, err)
	require.NotNil(t, m.ExpiresAt)
	assert.True(t, m.Expired(time.Now().UTC().Add(2*time.Minute)))
	assert.False(t, m.Expired(time.Now().UTC()))

	// Permanent rows never reap regardless of expiry.
	_, err = store.StoreUserContext(ctx, &UserContextProfile{Name: "Ada"}, "default")
	require.NoError(t, err)

	reaped, err := store.Reap(ctx, "default", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	gone, err := store.GetMemory(ctx, TierShortTerm, shortID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.GetMemory(ctx, TierShortTerm, keepID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	profile, err := store.GetUserContext(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Ada", profile.Name)
}

func TestPromote(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	processed := testProcessed("User is migrating the billing service to Postgres", "Billing migration")
	processed.PromotionEligible = true
	processed.Category = CategoryContext

	sourceID, err := store.StoreLongTerm(ctx, processed, "chat-9", "default")
	require.NoError(t, err)

	promotedID, err := store.Promote(ctx, sourceID, 30*24*time.Hour, &PromoteOptions{
		CategoryPrefix: "essential_",
		Classification: ClassificationEssential,
		Reason:         "frequently referenced project",
	})
	require.NoError(t, err)
	assert.NotEqual(t, sourceID, promotedID)

	promoted, err := store.GetMemory(ctx, TierShortTerm, promotedID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "essential_context", promoted.CategoryPrimary)
	assert.Equal(t, sourceID, promoted.OriginalMemoryID)
	assert.Equal(t, PromotedByAgent, promoted.PromotedBy)
	assert.Equal(t, "chat-9", promoted.OriginalChatID)
	assert.NotNil(t, promoted.PromotedAt)
	assert.NotNil(t, promoted.ExpiresAt)
	assert.Equal(t, ClassificationEssential, promoted.Processed.Classification)

	source, err := store.GetMemory(ctx, TierLongTerm, sourceID)
	require.NoError(t, err)
	assert.True(t, source.PromotedToShortTerm)
}

func TestPromoteRequiresEligibility(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.StoreLongTerm(ctx, testProcessed("minor detail", "detail"), "", "default")
	require.NoError(t, err)

	_, err = store.Promote(ctx, id, time.Hour, nil)
	assert.ErrorContains(t, err, "not promotion eligible")

	_, err = store.Promote(ctx, "missing-id", time.Hour, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestUserContextUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.StoreUserContext(ctx, &UserContextProfile{
		Name:             "Ada",
		JobTitle:         "Engineer",
		PrimaryLanguages: []string{"Go"},
	}, "default")
	require.NoError(t, err)

	second, err := store.StoreUserContext(ctx, &UserContextProfile{
		Name:             "Ada Lovelace",
		JobTitle:         "Engineer",
		PrimaryLanguages: []string{"Go", "SQL"},
		Version:          2,
	}, "default")
	require.NoError(t, err)
	assert.Equal(t, first, second, "upsert must keep the row id")

	profile, err := store.GetUserContext(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Ada Lovelace", profile.Name)
	assert.Equal(t, []string{"Go", "SQL"}, profile.PrimaryLanguages)
	assert.Equal(t, 2, profile.Version)
}

func TestDeleteUserContext(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.StoreUserContext(ctx, &UserContextProfile{Name: "Ada"}, "default")
	require.NoError(t, err)

	require.NoError(t, store.DeleteUserContext(ctx, "default"))

	profile, err := store.GetUserContext(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, profile)

	require.NoError(t, store.DeleteUserContext(ctx, "default"), "deleting a missing profile is not an error")
}

func TestUserContextMissingAndCorrupted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	profile, err := store.GetUserContext(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, profile)

	_, err = store.StoreUserContext(ctx, &UserContextProfile{Name: "Ada"}, "default")
	require.NoError(t, err)

	_, err = store.Engine().DB().ExecContext(ctx,
		"UPDATE short_term_memory SET processed_data = 'not json' WHERE namespace = 'default'")
	require.NoError(t, err)

	_, err = store.GetUserContext(ctx, "default")
	assert.ErrorIs(t, err, ErrProfileCorrupted)
}

func TestSearchHydration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	longID, err := store.StoreLongTerm(ctx, testProcessed("kubernetes cluster autoscaling notes", "autoscaling"), "", "default")
	require.NoError(t, err)

	shortID, err := store.StoreShortTerm(ctx, testProcessed("kubernetes upgrade window is Friday", "upgrade window"), "", "default", time.Hour)
	require.NoError(t, err)

	_, err = store.StoreLongTerm(ctx, testProcessed("favorite tea is oolong", "tea"), "", "default")
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchOptions{Query: "kubernetes", Namespace: "default"})
	require.NoError(t, err)

	found := map[string]Tier{}
	for _, r := range results {
		found[r.MemoryID] = r.Tier
		assert.NotEmpty(t, r.Strategy)
		assert.GreaterOrEqual(t, r.SearchScore, 0.0)
		assert.NotEmpty(t, r.SearchableContent)
	}
	assert.Equal(t, TierLongTerm, found[longID])
	assert.Equal(t, TierShortTerm, found[shortID])
}

func TestSearchFiltersExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	expiredID, err := store.StoreShortTerm(ctx, testProcessed("expired kubernetes fact", "old"), "", "default", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	results, err := store.Search(ctx, SearchOptions{Query: "kubernetes", Namespace: "default"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, expiredID, r.MemoryID)
	}

	results, err = store.Search(ctx, SearchOptions{Query: "kubernetes", Namespace: "default", IncludeExpired: true})
	require.NoError(t, err)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.MemoryID)
	}
	assert.Contains(t, ids, expiredID)
}

func TestListRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.StoreLongTerm(ctx, testProcessed("note", "note"), "", "default")
		require.NoError(t, err)
	}

	memories, err := store.ListRecent(ctx, "default", TierLongTerm, 2)
	require.NoError(t, err)
	assert.Len(t, memories, 2)

	_, err = store.ListRecent(ctx, "default", Tier("bogus"), 2)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	fact := testProcessed("fact one", "one")
	fact.ImportanceScore = 0.8
	_, err := store.StoreLongTerm(ctx, fact, "", "default")
	require.NoError(t, err)

	pref := testProcessed("pref one", "one")
	pref.Category = CategoryPreference
	pref.ImportanceScore = 0.4
	_, err = store.StoreLongTerm(ctx, pref, "", "default")
	require.NoError(t, err)

	_, err = store.StoreShortTerm(ctx, testProcessed("short", "short"), "", "default", time.Hour)
	require.NoError(t, err)

	stats, err := store.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.LongTerm.Count)
	assert.Equal(t, int64(1), stats.ShortTerm.Count)
	assert.InDelta(t, 0.6, stats.LongTerm.AverageImportance, 0.001)
	assert.Equal(t, int64(1), stats.LongTerm.Categories["fact"])
	assert.Equal(t, int64(1), stats.LongTerm.Categories["preference"])
}

func TestPromotionCandidates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	eligible := testProcessed("project alpha status", "alpha")
	eligible.PromotionEligible = true
	eligible.ImportanceScore = 0.9
	eligibleID, err := store.StoreLongTerm(ctx, eligible, "", "default")
	require.NoError(t, err)

	alsoEligible := testProcessed("project beta status", "beta")
	alsoEligible.PromotionEligible = true
	alsoEligible.ImportanceScore = 0.3
	alsoID, err := store.StoreLongTerm(ctx, alsoEligible, "", "default")
	require.NoError(t, err)

	_, err = store.StoreLongTerm(ctx, testProcessed("not eligible", "nope"), "", "default")
	require.NoError(t, err)

	since := time.Now().UTC().Add(-time.Hour)
	candidates, err := store.PromotionCandidates(ctx, "default", since, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, eligibleID, candidates[0].MemoryID, "higher importance first")
	assert.Equal(t, alsoID, candidates[1].MemoryID)

	// Marking removes rows from the candidate set.
	require.NoError(t, store.MarkPromoted(ctx, []string{eligibleID}))
	candidates, err = store.PromotionCandidates(ctx, "default", since, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, alsoID, candidates[0].MemoryID)

	// A future cutoff excludes everything.
	candidates, err = store.PromotionCandidates(ctx, "default", time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestConsciousCandidates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	userCtx := testProcessed("User works at Acme Corp", "employer")
	userCtx.IsUserContext = true
	userID, err := store.StoreLongTerm(ctx, userCtx, "", "default")
	require.NoError(t, err)

	conscious := testProcessed("User's name is Ada", "name")
	conscious.Classification = ClassificationConsciousInfo
	consciousID, err := store.StoreLongTerm(ctx, conscious, "", "default")
	require.NoError(t, err)

	_, err = store.StoreLongTerm(ctx, testProcessed("random trivia", "trivia"), "", "default")
	require.NoError(t, err)

	candidates, err := store.ConsciousCandidates(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	ids := []string{candidates[0].MemoryID, candidates[1].MemoryID}
	assert.Contains(t, ids, userID)
	assert.Contains(t, ids, consciousID)
}

func TestTouchAccess(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.StoreLongTerm(ctx, testProcessed("touched", "touched"), "", "default")
	require.NoError(t, err)

	require.NoError(t, store.TouchAccess(ctx, TierLongTerm, []string{id}))
	require.NoError(t, store.TouchAccess(ctx, TierLongTerm, nil))

	m, err := store.GetMemory(ctx, TierLongTerm, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
	assert.NotNil(t, m.LastAccessed)
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.StoreChat(ctx, &ChatRecord{UserInput: "q", AIOutput: "a", Namespace: "default"})
	require.NoError(t, err)
	_, err = store.StoreLongTerm(ctx, testProcessed("long", "long"), "", "default")
	require.NoError(t, err)
	_, err = store.StoreShortTerm(ctx, testProcessed("short", "short"), "", "default", time.Hour)
	require.NoError(t, err)
	_, err = store.StoreLongTerm(ctx, testProcessed("other ns", "other"), "", "other")
	require.NoError(t, err)

	n, err := store.Clear(ctx, "default", TierShortTerm)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Clear(ctx, "default", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := store.Stats(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LongTerm.Count, "other namespaces untouched")

	_, err = store.Clear(ctx, "default", Tier("bogus"))
	assert.Error(t, err)
}

func TestClearEssentials(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	eligible := testProcessed("promoted content", "promoted")
	eligible.PromotionEligible = true
	sourceID, err := store.StoreLongTerm(ctx, eligible, "", "default")
	require.NoError(t, err)

	_, err = store.Promote(ctx, sourceID, time.Hour, nil)
	require.NoError(t, err)

	plainID, err := store.StoreShortTerm(ctx, testProcessed("plain short", "plain"), "", "default", time.Hour)
	require.NoError(t, err)

	_, err = store.StoreUserContext(ctx, &UserContextProfile{Name: "Ada"}, "default")
	require.NoError(t, err)

	n, err := store.ClearEssentials(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	kept, err := store.GetMemory(ctx, TierShortTerm, plainID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	profile, err := store.GetUserContext(ctx, "default")
	require.NoError(t, err)
	assert.NotNil(t, profile)
}

func TestFindDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	firstID, err := store.StoreLongTerm(ctx, testProcessed("User prefers tabs over spaces", "tabs"), "", "default")
	require.NoError(t, err)
	secondID, err := store.StoreLongTerm(ctx, testProcessed("User prefers tabs over spaces", "tabs"), "", "default")
	require.NoError(t, err)
	uniqueID, err := store.StoreLongTerm(ctx, testProcessed("User prefers dark mode", "dark mode"), "", "default")
	require.NoError(t, err)

	marked, err := store.FindDuplicates(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	first, err := store.GetMemory(ctx, TierLongTerm, firstID)
	require.NoError(t, err)
	second, err := store.GetMemory(ctx, TierLongTerm, secondID)
	require.NoError(t, err)
	unique, err := store.GetMemory(ctx, TierLongTerm, uniqueID)
	require.NoError(t, err)

	links := 0
	for _, m := range []*Memory{first, second} {
		assert.True(t, m.ProcessedForDuplicates)
		if m.Processed.DuplicateOf != "" {
			links++
			assert.Contains(t, []string{firstID, secondID}, m.Processed.DuplicateOf)
			assert.NotEqual(t, m.MemoryID, m.Processed.DuplicateOf)
		}
	}
	assert.Equal(t, 1, links, "exactly one of the pair links to the other")
	assert.Empty(t, unique.Processed.DuplicateOf)
	assert.True(t, unique.ProcessedForDuplicates)

	// A second pass is a no-op.
	marked, err = store.FindDuplicates(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestFindDuplicatesBreaksCycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	aID, err := store.StoreLongTerm(ctx, testProcessed("memory alpha", "alpha"), "", "default")
	require.NoError(t, err)
	bID, err := store.StoreLongTerm(ctx, testProcessed("memory beta", "beta"), "", "default")
	require.NoError(t, err)

	db := store.Engine().DB()
	_, err = db.ExecContext(ctx, "UPDATE long_term_memory SET duplicate_of = ? WHERE memory_id = ?", bID, aID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE long_term_memory SET duplicate_of = ? WHERE memory_id = ?", aID, bID)
	require.NoError(t, err)

	_, err = store.FindDuplicates(ctx, "default")
	require.NoError(t, err)

	a, err := store.GetMemory(ctx, TierLongTerm, aID)
	require.NoError(t, err)
	b, err := store.GetMemory(ctx, TierLongTerm, bID)
	require.NoError(t, err)

	assert.False(t, a.Processed.DuplicateOf != "" && b.Processed.DuplicateOf != "",
		"cycle must be broken: a=%q b=%q", a.Processed.DuplicateOf, b.Processed.DuplicateOf)
}
