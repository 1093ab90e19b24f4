package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memorihq/memori/pkg/storage"
)

// PromotedByAgent stamps rows created by the promotion pass.
const PromotedByAgent = "promotion_agent"

// UserContextCategory is the category_primary of the single permanent
// profile row per namespace.
const UserContextCategory = "user_context"

// ErrProfileCorrupted signals that the stored user-context row failed
// its integrity check; callers treat the profile as absent and rebuild.
var ErrProfileCorrupted = fmt.Errorf("user context profile corrupted")

// Store owns all database writes. Other components hold a *Store and
// never touch the engine directly.
type Store struct {
	engine storage.Engine
}

// NewStore applies the schema for the engine's dialect and returns the
// store. Schema failure here is fatal to startup.
func NewStore(ctx context.Context, engine storage.Engine) (*Store, error) {
	if engine == nil {
		return nil, fmt.Errorf("storage engine is required")
	}

	if err := engine.EnsureSchema(ctx, Schema(engine.Dialect())); err != nil {
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	return &Store{engine: engine}, nil
}

func (s *Store) Engine() storage.Engine { return s.engine }

func (s *Store) Close() error { return s.engine.Close() }

// StoreChat inserts one immutable conversation turn and returns its id.
// Duplicate (chat_id, namespace) pairs surface as constraint errors.
func (s *Store) StoreChat(ctx context.Context, record *ChatRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("chat record is required")
	}
	if err := ValidateNamespace(record.Namespace); err != nil {
		return "", err
	}

	if record.ChatID == "" {
		record.ChatID = uuid.NewString()
	}
	if len(record.ChatID) > 64 {
		return "", fmt.Errorf("chat id exceeds 64 characters")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	userInput, err := SanitizeText(record.UserInput)
	if err != nil {
		return "", err
	}
	aiOutput, err := SanitizeText(record.AIOutput)
	if err != nil {
		return "", err
	}

	var metadata any
	if len(record.Metadata) > 0 {
		data, err := json.Marshal(record.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal chat metadata: %w", err)
		}
		metadata = string(data)
	}

	cols := []string{"chat_id", "user_input", "ai_output", "model", "session_id", "namespace", "tokens_used", "metadata", "created_at"}
	args := s.engine.TranslateArgs(cols, []any{
		record.ChatID, userInput, aiOutput, record.Model, record.SessionID,
		record.Namespace, record.TokensUsed, metadata, record.Timestamp,
	})

	query := s.engine.Rebind(`INSERT INTO chat_history (chat_id, user_input, ai_output, model, session_id, namespace, tokens_used, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.engine.DB().ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to insert chat record: %w", err)
	}

	return record.ChatID, nil
}

// StoreLongTerm projects a processed record into an indexable long-term
// row and returns the new memory id.
func (s *Store) StoreLongTerm(ctx context.Context, processed *ProcessedMemory, chatID, namespace string) (string, error) {
	m, err := s.buildMemory(processed, chatID, namespace)
	if err != nil {
		return "", err
	}

	return m.MemoryID, s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertMemory(ctx, tx, storage.TableLongTerm, m)
	})
}

// StoreShortTerm is StoreLongTerm plus an expiration. A zero ttl means
// the row never expires on its own (the reaper skips NULL expirations).
func (s *Store) StoreShortTerm(ctx context.Context, processed *ProcessedMemory, chatID, namespace string, ttl time.Duration) (string, error) {
	m, err := s.buildMemory(processed, chatID, namespace)
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		expires := m.CreatedAt.Add(ttl)
		m.ExpiresAt = &expires
	}

	return m.MemoryID, s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertMemory(ctx, tx, storage.TableShortTerm, m)
	})
}

// PromoteOptions enriches the copy written by Promote.
type PromoteOptions struct {
	// CategoryPrefix is prepended to the copied category_primary
	// column (the promotion agent uses "essential_").
	CategoryPrefix string
	// Classification overrides the copied classification.
	Classification Classification
	// Reason overrides the copied classification_reason.
	Reason string
}

// Promote copies a long-term row into short-term under a new id,
// stamping the promotion lineage and marking the source. The source
// must be promotion-eligible.
func (s *Store) Promote(ctx context.Context, memoryID string, ttl time.Duration, opts *PromoteOptions) (string, error) {
	source, err := s.GetMemory(ctx, TierLongTerm, memoryID)
	if err != nil {
		return "", err
	}
	if source == nil {
		return "", fmt.Errorf("memory %s not found", memoryID)
	}
	if !source.Processed.PromotionEligible {
		return "", fmt.Errorf("memory %s is not promotion eligible", memoryID)
	}

	now := time.Now().UTC()
	promoted := *source
	promoted.MemoryID = uuid.NewString()
	promoted.CreatedAt = now
	promoted.AccessCount = 0
	promoted.LastAccessed = nil
	promoted.PromotedToShortTerm = false
	promoted.OriginalMemoryID = source.MemoryID
	promoted.PromotedBy = PromotedByAgent
	promoted.PromotedAt = &now
	if ttl > 0 {
		expires := now.Add(ttl)
		promoted.ExpiresAt = &expires
	}

	if opts != nil {
		if opts.CategoryPrefix != "" {
			promoted.CategoryPrimary = opts.CategoryPrefix + source.CategoryPrimary
		}
		if opts.Classification != "" {
			promoted.Processed.Classification = opts.Classification
		}
		if opts.Reason != "" {
			promoted.Processed.ClassificationReason = opts.Reason
		}
	}

	err = s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertMemory(ctx, tx, storage.TableShortTerm, &promoted); err != nil {
			return err
		}

		cols := []string{"promoted_to_short_term", "memory_id"}
		args := s.engine.TranslateArgs(cols, []any{true, source.MemoryID})
		query := s.engine.Rebind("UPDATE long_term_memory SET promoted_to_short_term = ? WHERE memory_id = ?")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark source memory promoted: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return promoted.MemoryID, nil
}

// StoreUserContext upserts the single permanent-context row for the
// namespace. The existing row keeps its id and creation time.
func (s *Store) StoreUserContext(ctx context.Context, profile *UserContextProfile, namespace string) (string, error) {
	if profile == nil {
		return "", fmt.Errorf("profile is required")
	}
	if err := ValidateNamespace(namespace); err != nil {
		return "", err
	}

	if profile.Version < 1 {
		profile.Version = 1
	}
	if profile.LastUpdated.IsZero() {
		profile.LastUpdated = time.Now().UTC()
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("failed to marshal profile: %w", err)
	}

	searchable := profileSearchText(profile)
	summary := "User context profile"

	var memoryID string
	err = s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		selectQuery := s.engine.Rebind(`SELECT memory_id FROM short_term_memory
WHERE namespace = ? AND category_primary = ? AND is_permanent_context = ?`)
		selectArgs := s.engine.TranslateArgs(
			[]string{"namespace", "category_primary", "is_permanent_context"},
			[]any{namespace, UserContextCategory, true})

		var existing string
		err := tx.QueryRowContext(ctx, selectQuery, selectArgs...).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to probe user context row: %w", err)
		}

		if existing != "" {
			memoryID = existing
			updateQuery := s.engine.Rebind(`UPDATE short_term_memory
SET processed_data = ?, searchable_content = ?, summary = ? WHERE memory_id = ?`)
			if _, err := tx.ExecContext(ctx, updateQuery, string(data), searchable, summary, existing); err != nil {
				return fmt.Errorf("failed to update user context row: %w", err)
			}
			return nil
		}

		now := time.Now().UTC()
		memoryID = uuid.NewString()
		m := &Memory{
			MemoryID:  memoryID,
			Namespace: namespace,
			Processed: ProcessedMemory{
				Content:         searchable,
				Summary:         summary,
				Category:        CategoryContext,
				Importance:      ImportanceCritical,
				ImportanceScore: 1.0,
				IsUserContext:   true,
				Classification:  ClassificationConsciousInfo,
			},
			CategoryPrimary:    UserContextCategory,
			ImportanceScore:    1.0,
			SearchableContent:  searchable,
			Summary:            summary,
			CreatedAt:          now,
			IsPermanentContext: true,
		}
		if err := s.insertMemoryRaw(ctx, tx, storage.TableShortTerm, m, string(data)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return memoryID, nil
}

// GetUserContext loads and integrity-checks the namespace profile. A
// missing row returns (nil, nil); a corrupted row returns
// ErrProfileCorrupted so the caller can rebuild.
func (s *Store) GetUserContext(ctx context.Context, namespace string) (*UserContextProfile, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	query := s.engine.Rebind(`SELECT processed_data FROM short_term_memory
WHERE namespace = ? AND category_primary = ? AND is_permanent_context = ?`)
	args := s.engine.TranslateArgs(
		[]string{"namespace", "category_primary", "is_permanent_context"},
		[]any{namespace, UserContextCategory, true})

	var data string
	err := s.engine.DB().QueryRowContext(ctx, query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}

	var profile UserContextProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		slog.Warn("user context profile is not valid JSON, treating as corrupted",
			"namespace", namespace, "error", err)
		return nil, ErrProfileCorrupted
	}
	if err := profile.CheckIntegrity(); err != nil {
		slog.Warn("user context profile failed integrity check",
			"namespace", namespace, "error", err)
		return nil, ErrProfileCorrupted
	}

	return &profile, nil
}

// DeleteUserContext removes the permanent profile row. The next
// conscious run rebuilds it from long-term candidates.
func (s *Store) DeleteUserContext(ctx context.Context, namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	cols := []string{"namespace", "category_primary", "is_permanent_context"}
	args := s.engine.TranslateArgs(cols, []any{namespace, UserContextCategory, true})
	query := s.engine.Rebind(`DELETE FROM short_term_memory
WHERE namespace = ? AND category_primary = ? AND is_permanent_context = ?`)

	if _, err := s.engine.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete user context: %w", err)
	}
	return nil
}

// Reap deletes non-permanent short-term rows whose expiration has
// passed. Returns the number of rows removed.
func (s *Store) Reap(ctx context.Context, namespace string, now time.Time) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	cols := []string{"namespace", "is_permanent_context", "expires_at"}
	args := s.engine.TranslateArgs(cols, []any{namespace, false, now})
	query := s.engine.Rebind(`DELETE FROM short_term_memory
WHERE namespace = ? AND is_permanent_context = ? AND expires_at IS NOT NULL AND expires_at <= ?`)

	res, err := s.engine.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired memories: %w", err)
	}
	return res.RowsAffected()
}

// Clear bulk-deletes a namespace. An empty tier clears both memory
// tiers and the chat history.
func (s *Store) Clear(ctx context.Context, namespace string, tier Tier) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	var tables []string
	switch tier {
	case TierLongTerm:
		tables = []string{storage.TableLongTerm}
	case TierShortTerm:
		tables = []string{storage.TableShortTerm}
	case "":
		tables = []string{storage.TableLongTerm, storage.TableShortTerm, storage.TableChat}
	default:
		return 0, fmt.Errorf("unknown tier: %q", tier)
	}

	var total int64
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			query := s.engine.Rebind("DELETE FROM " + table + " WHERE namespace = ?")
			res, err := tx.ExecContext(ctx, query, namespace)
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// ClearEssentials removes previous promotion output so a new cycle
// starts from a clean slate. Permanent context is never touched.
func (s *Store) ClearEssentials(ctx context.Context, namespace string) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	cols := []string{"namespace", "promoted_by", "is_permanent_context"}
	args := s.engine.TranslateArgs(cols, []any{namespace, PromotedByAgent, false})
	query := s.engine.Rebind(`DELETE FROM short_term_memory
WHERE namespace = ? AND promoted_by = ? AND is_permanent_context = ?`)

	res, err := s.engine.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear essential memories: %w", err)
	}
	return res.RowsAffected()
}

// MarkPromoted flags long-term rows as already promoted.
func (s *Store) MarkPromoted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	cols := make([]string, 0, len(ids)+1)
	args := make([]any, 0, len(ids)+1)
	cols = append(cols, "promoted_to_short_term")
	args = append(args, true)
	for _, id := range ids {
		cols = append(cols, "memory_id")
		args = append(args, id)
	}

	query := s.engine.Rebind("UPDATE long_term_memory SET promoted_to_short_term = ? WHERE memory_id IN (" + placeholders(len(ids)) + ")")
	if _, err := s.engine.DB().ExecContext(ctx, query, s.engine.TranslateArgs(cols, args)...); err != nil {
		return fmt.Errorf("failed to mark memories promoted: %w", err)
	}
	return nil
}

// TouchAccess bumps access counters for retrieved rows.
func (s *Store) TouchAccess(ctx context.Context, tier Tier, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tierTable(tier)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	query := s.engine.Rebind("UPDATE " + table +
		" SET access_count = access_count + 1, last_accessed = ? WHERE memory_id IN (" + placeholders(len(ids)) + ")")
	if _, err := s.engine.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch access counters: %w", err)
	}
	return nil
}

// buildMemory validates and projects a processed record into a row.
func (s *Store) buildMemory(processed *ProcessedMemory, chatID, namespace string) (*Memory, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, fmt.Errorf("processed memory is required")
	}

	content, err := SanitizeText(processed.Content)
	if err != nil {
		return nil, err
	}
	summary, err := SanitizeText(processed.Summary)
	if err != nil {
		return nil, err
	}
	processed.Content = content
	processed.Summary = summary

	if processed.Classification == "" {
		processed.Classification = ClassificationContextual
	}

	now := time.Now().UTC()
	return &Memory{
		MemoryID:          uuid.NewString(),
		OriginalChatID:    chatID,
		Namespace:         namespace,
		Processed:         *processed,
		CategoryPrimary:   string(processed.Category),
		ImportanceScore:   clamp01(processed.ImportanceScore),
		SearchableContent: content,
		Summary:           summary,
		CreatedAt:         now,
	}, nil
}

func (s *Store) insertMemory(ctx context.Context, tx *sql.Tx, table string, m *Memory) error {
	data, err := marshalProcessed(&m.Processed)
	if err != nil {
		return err
	}
	return s.insertMemoryRaw(ctx, tx, table, m, string(data))
}

// insertMemoryRaw writes a row with an already-serialized processed
// payload (the profile row stores the profile JSON directly).
func (s *Store) insertMemoryRaw(ctx context.Context, tx *sql.Tx, table string, m *Memory, processedJSON string) error {
	entities, err := marshalJSONColumn(m.Processed.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}
	keywords, err := marshalJSONColumn(m.Processed.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	supersedes, err := marshalJSONColumn(m.Processed.Supersedes)
	if err != nil {
		return fmt.Errorf("failed to marshal supersedes: %w", err)
	}
	related, err := marshalJSONColumn(m.Processed.RelatedMemories)
	if err != nil {
		return fmt.Errorf("failed to marshal related memories: %w", err)
	}

	cols := []string{
		"memory_id", "original_chat_id", "processed_data", "importance_score", "category_primary",
		"novelty_score", "relevance_score", "actionability_score", "confidence_score",
		"classification", "importance_level", "topic", "entities_json", "keywords_json",
		"is_user_context", "is_preference", "is_skill_knowledge", "is_current_project", "promotion_eligible",
		"duplicate_of", "supersedes_json", "related_memories_json", "extraction_timestamp", "classification_reason",
		"processed_for_duplicates", "promoted_to_short_term", "namespace", "created_at",
		"access_count", "last_accessed", "searchable_content", "summary",
	}
	args := []any{
		m.MemoryID, nullString(m.OriginalChatID), processedJSON, m.ImportanceScore, m.CategoryPrimary,
		m.Processed.NoveltyScore, m.Processed.RelevanceScore, m.Processed.ActionabilityScore, m.Processed.ConfidenceScore,
		string(m.Processed.Classification), string(m.Processed.Importance), m.Processed.Topic, entities, keywords,
		m.Processed.IsUserContext, m.Processed.IsPreference, m.Processed.IsSkillKnowledge, m.Processed.IsCurrentProject, m.Processed.PromotionEligible,
		nullString(m.Processed.DuplicateOf), supersedes, related, m.CreatedAt, m.Processed.ClassificationReason,
		m.ProcessedForDuplicates, m.PromotedToShortTerm, m.Namespace, m.CreatedAt,
		m.AccessCount, nullTime(m.LastAccessed), m.SearchableContent, m.Summary,
	}

	if table == storage.TableShortTerm {
		cols = append(cols, "expires_at", "is_permanent_context", "original_memory_id", "promoted_by", "promoted_at")
		args = append(args, nullTime(m.ExpiresAt), m.IsPermanentContext,
			nullString(m.OriginalMemoryID), nullString(m.PromotedBy), nullTime(m.PromotedAt))
	}

	query := s.engine.Rebind("INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")")
	if _, err := tx.ExecContext(ctx, query, s.engine.TranslateArgs(cols, args)...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func tierTable(tier Tier) (string, error) {
	switch tier {
	case TierLongTerm:
		return storage.TableLongTerm, nil
	case TierShortTerm:
		return storage.TableShortTerm, nil
	default:
		return "", fmt.Errorf("unknown tier: %q", tier)
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// marshalJSONColumn serializes list/map payloads, writing empty
// containers instead of NULL so scans stay simple.
func marshalJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	out := string(data)
	if out == "null" {
		switch v.(type) {
		case map[string][]string:
			return "{}", nil
		default:
			return "[]", nil
		}
	}
	return out, nil
}

func profileSearchText(p *UserContextProfile) string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("name", p.Name)
	add("location", p.Location)
	add("job", p.JobTitle)
	add("company", p.Company)
	add("style", p.CommunicationStyle)
	if len(p.PrimaryLanguages) > 0 {
		parts = append(parts, "languages: "+strings.Join(p.PrimaryLanguages, ", "))
	}
	if len(p.Tools) > 0 {
		parts = append(parts, "tools: "+strings.Join(p.Tools, ", "))
	}
	if len(p.ActiveProjects) > 0 {
		parts = append(parts, "projects: "+strings.Join(p.ActiveProjects, ", "))
	}
	if len(p.LearningGoals) > 0 {
		parts = append(parts, "goals: "+strings.Join(p.LearningGoals, ", "))
	}
	if len(parts) == 0 {
		return "user profile"
	}
	return "User profile. " + strings.Join(parts, "; ")
}
