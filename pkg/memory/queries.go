package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memorihq/memori/pkg/storage"
)

// SearchOptions filters a two-tier relevance search.
type SearchOptions struct {
	Query          string
	Namespace      string
	Category       string
	Limit          int
	IncludeExpired bool
}

// SearchResult is a hydrated row with its tier and raw search score.
type SearchResult struct {
	Memory
	Tier        Tier
	SearchScore float64
	Strategy    string
}

// TierStats summarizes one memory table.
type TierStats struct {
	Count             int64            `json:"count"`
	AverageImportance float64          `json:"average_importance"`
	Categories        map[string]int64 `json:"categories"`
}

// Stats summarizes a namespace across chat history and both tiers.
type Stats struct {
	Namespace string    `json:"namespace"`
	Chats     int64     `json:"chats"`
	LongTerm  TierStats `json:"long_term"`
	ShortTerm TierStats `json:"short_term"`
}

const memoryColumns = `memory_id, original_chat_id, processed_data, importance_score, category_primary,
duplicate_of, processed_for_duplicates, promoted_to_short_term, namespace, created_at,
access_count, last_accessed, searchable_content, summary`

const shortTermExtraColumns = `, expires_at, is_permanent_context, original_memory_id, promoted_by, promoted_at`

// Search runs the engine's full-text search over both tiers and
// hydrates the matching rows, preserving the engine's rank order.
// Expired rows are dropped unless IncludeExpired is set.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]*SearchResult, error) {
	rows, err := s.engine.SearchMemories(ctx, storage.SearchParams{
		Query:     opts.Query,
		Namespace: opts.Namespace,
		Category:  opts.Category,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	byTable := make(map[string][]string)
	for _, row := range rows {
		byTable[row.Table] = append(byTable[row.Table], row.ID)
	}

	hydrated := make(map[string]map[string]*Memory, len(byTable))
	for table, ids := range byTable {
		memories, err := s.fetchByIDs(ctx, table, ids)
		if err != nil {
			return nil, err
		}
		hydrated[table] = memories
	}

	now := time.Now().UTC()
	results := make([]*SearchResult, 0, len(rows))
	for _, row := range rows {
		m, ok := hydrated[row.Table][row.ID]
		if !ok {
			continue
		}
		if !opts.IncludeExpired && m.Expired(now) {
			continue
		}
		tier := TierLongTerm
		if row.Table == storage.TableShortTerm {
			tier = TierShortTerm
		}
		results = append(results, &SearchResult{
			Memory:      *m,
			Tier:        tier,
			SearchScore: row.Score,
			Strategy:    row.Strategy,
		})
	}

	return results, nil
}

// GetMemory loads one row by id. Missing rows return (nil, nil).
func (s *Store) GetMemory(ctx context.Context, tier Tier, memoryID string) (*Memory, error) {
	table, err := tierTable(tier)
	if err != nil {
		return nil, err
	}

	query := s.engine.Rebind("SELECT " + selectColumns(table) + " FROM " + table + " WHERE memory_id = ?")
	row := s.engine.DB().QueryRowContext(ctx, query, memoryID)

	m, err := scanMemory(row, table)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory %s: %w", memoryID, err)
	}
	return m, nil
}

// ListRecent returns the newest rows for a tier.
func (s *Store) ListRecent(ctx context.Context, namespace string, tier Tier, limit int) ([]*Memory, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	table, err := tierTable(tier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := s.engine.Rebind("SELECT " + selectColumns(table) + " FROM " + table +
		" WHERE namespace = ? ORDER BY created_at DESC LIMIT ?")
	return s.queryMemories(ctx, table, query, namespace, limit)
}

// PromotionCandidates lists long-term rows eligible for promotion since
// the cutoff, most important first.
func (s *Store) PromotionCandidates(ctx context.Context, namespace string, since time.Time, limit int) ([]*Memory, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	cols := []string{"namespace", "promotion_eligible", "promoted_to_short_term", "created_at", "limit"}
	args := s.engine.TranslateArgs(cols, []any{namespace, true, false, since, limit})
	query := s.engine.Rebind("SELECT " + selectColumns(storage.TableLongTerm) + ` FROM long_term_memory
WHERE namespace = ? AND promotion_eligible = ? AND promoted_to_short_term = ? AND created_at >= ?
ORDER BY importance_score DESC, access_count DESC LIMIT ?`)

	return s.queryMemories(ctx, storage.TableLongTerm, query, args...)
}

// ConsciousCandidates lists long-term rows that describe the user:
// conscious-classified, user-context flagged, or promotion eligible.
func (s *Store) ConsciousCandidates(ctx context.Context, namespace string, limit int) ([]*Memory, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cols := []string{"namespace", "classification", "is_user_context", "promotion_eligible", "limit"}
	args := s.engine.TranslateArgs(cols, []any{namespace, string(ClassificationConsciousInfo), true, true, limit})
	query := s.engine.Rebind("SELECT " + selectColumns(storage.TableLongTerm) + ` FROM long_term_memory
WHERE namespace = ? AND (classification = ? OR is_user_context = ? OR promotion_eligible = ?)
ORDER BY importance_score DESC, created_at DESC LIMIT ?`)

	return s.queryMemories(ctx, storage.TableLongTerm, query, args...)
}

// PermanentContext returns the namespace's permanent short-term rows,
// oldest first so the profile row stays at a stable position.
func (s *Store) PermanentContext(ctx context.Context, namespace string) ([]*Memory, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	cols := []string{"namespace", "is_permanent_context"}
	args := s.engine.TranslateArgs(cols, []any{namespace, true})
	query := s.engine.Rebind("SELECT " + selectColumns(storage.TableShortTerm) + ` FROM short_term_memory
WHERE namespace = ? AND is_permanent_context = ? ORDER BY created_at ASC`)

	return s.queryMemories(ctx, storage.TableShortTerm, query, args...)
}

// Stats aggregates counts, average importance, and category histograms
// for one namespace.
func (s *Store) Stats(ctx context.Context, namespace string) (*Stats, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	stats := &Stats{Namespace: namespace}

	chatQuery := s.engine.Rebind("SELECT COUNT(*) FROM chat_history WHERE namespace = ?")
	if err := s.engine.DB().QueryRowContext(ctx, chatQuery, namespace).Scan(&stats.Chats); err != nil {
		return nil, fmt.Errorf("failed to count chat history: %w", err)
	}

	long, err := s.tierStats(ctx, storage.TableLongTerm, namespace)
	if err != nil {
		return nil, err
	}
	stats.LongTerm = *long

	short, err := s.tierStats(ctx, storage.TableShortTerm, namespace)
	if err != nil {
		return nil, err
	}
	stats.ShortTerm = *short

	return stats, nil
}

func (s *Store) tierStats(ctx context.Context, table, namespace string) (*TierStats, error) {
	stats := &TierStats{Categories: make(map[string]int64)}

	query := s.engine.Rebind("SELECT COUNT(*), COALESCE(AVG(importance_score), 0) FROM " + table + " WHERE namespace = ?")
	if err := s.engine.DB().QueryRowContext(ctx, query, namespace).Scan(&stats.Count, &stats.AverageImportance); err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", table, err)
	}

	histQuery := s.engine.Rebind("SELECT category_primary, COUNT(*) FROM " + table +
		" WHERE namespace = ? GROUP BY category_primary")
	rows, err := s.engine.DB().QueryContext(ctx, histQuery, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to build category histogram for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category histogram: %w", err)
		}
		stats.Categories[category] = count
	}
	return stats, rows.Err()
}

func (s *Store) fetchByIDs(ctx context.Context, table string, ids []string) (map[string]*Memory, error) {
	if len(ids) == 0 {
		return map[string]*Memory{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := s.engine.Rebind("SELECT " + selectColumns(table) + " FROM " + table +
		" WHERE memory_id IN (" + placeholders(len(ids)) + ")")
	memories, err := s.queryMemories(ctx, table, query, args...)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Memory, len(memories))
	for _, m := range memories {
		out[m.MemoryID] = m
	}
	return out, nil
}

func (s *Store) queryMemories(ctx context.Context, table, query string, args ...any) ([]*Memory, error) {
	rows, err := s.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows, table)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func selectColumns(table string) string {
	if table == storage.TableShortTerm {
		return memoryColumns + shortTermExtraColumns
	}
	return memoryColumns
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner, table string) (*Memory, error) {
	var (
		m           Memory
		chatID      sql.NullString
		data        string
		duplicateOf sql.NullString
		lastAccess  sql.NullTime
		expiresAt   sql.NullTime
		originalID  sql.NullString
		promotedBy  sql.NullString
		promotedAt  sql.NullTime
	)

	dest := []any{
		&m.MemoryID, &chatID, &data, &m.ImportanceScore, &m.CategoryPrimary,
		&duplicateOf, &m.ProcessedForDuplicates, &m.PromotedToShortTerm, &m.Namespace, &m.CreatedAt,
		&m.AccessCount, &lastAccess, &m.SearchableContent, &m.Summary,
	}
	if table == storage.TableShortTerm {
		dest = append(dest, &expiresAt, &m.IsPermanentContext, &originalID, &promotedBy, &promotedAt)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	// The profile row stores profile JSON; unknown fields fall away.
	if err := json.Unmarshal([]byte(data), &m.Processed); err != nil {
		return nil, fmt.Errorf("failed to decode processed data for %s: %w", m.MemoryID, err)
	}

	m.OriginalChatID = chatID.String
	if duplicateOf.Valid && duplicateOf.String != "" {
		m.Processed.DuplicateOf = duplicateOf.String
	}
	if lastAccess.Valid {
		t := lastAccess.Time
		m.LastAccessed = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	m.OriginalMemoryID = originalID.String
	m.PromotedBy = promotedBy.String
	if promotedAt.Valid {
		t := promotedAt.Time
		m.PromotedAt = &t
	}

	return &m, nil
}
