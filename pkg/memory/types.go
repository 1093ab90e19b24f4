// Package memory owns the two-tier schema, validated writes and tiered
// reads. Every other component goes through the Store; nothing else
// writes to the database.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Category is the primary taxonomy assigned by classification.
type Category string

const (
	CategoryFact           Category = "fact"
	CategoryPreference     Category = "preference"
	CategorySkill          Category = "skill"
	CategoryRule           Category = "rule"
	CategoryContext        Category = "context"
	CategoryConversational Category = "conversational"
	CategoryConsciousInfo  Category = "conscious-info"
)

// Categories lists every valid primary category.
var Categories = []Category{
	CategoryFact, CategoryPreference, CategorySkill, CategoryRule,
	CategoryContext, CategoryConversational, CategoryConsciousInfo,
}

// Importance is the coarse retention band.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

var Importances = []Importance{
	ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow,
}

// Weight maps the band onto [0,1] for ranking math.
func (i Importance) Weight() float64 {
	switch i {
	case ImportanceCritical:
		return 1.0
	case ImportanceHigh:
		return 0.75
	case ImportanceMedium:
		return 0.5
	case ImportanceLow:
		return 0.25
	default:
		return 0.5
	}
}

// Classification marks how a memory participates in conscious-mode
// context assembly.
type Classification string

const (
	// ClassificationConsciousInfo rows are user identity and working
	// context, always candidates for conscious injection.
	ClassificationConsciousInfo Classification = "conscious-info"
	// ClassificationEssential is stamped by the promotion agent.
	ClassificationEssential Classification = "essential"
	// ClassificationContextual is everything else worth keeping.
	ClassificationContextual Classification = "contextual"
)

// EntityTypes is the fixed entity taxonomy the classifier emits.
var EntityTypes = []string{"people", "technologies", "topics", "skills", "projects"}

// Tier selects a memory table.
type Tier string

const (
	TierLongTerm  Tier = "long_term"
	TierShortTerm Tier = "short_term"
)

// ChatRecord is one recorded conversation turn. Write-once: the chat id
// is unique within its namespace and the row is never mutated.
type ChatRecord struct {
	ChatID     string         `json:"chat_id"`
	UserInput  string         `json:"user_input"`
	AIOutput   string         `json:"ai_output"`
	Model      string         `json:"model"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id"`
	Namespace  string         `json:"namespace"`
	TokensUsed int            `json:"tokens_used"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ProcessedMemory is the canonical classification output embedded as
// JSON inside each memory row. The jsonschema tags shape the structured
// response the classification agent demands from the LLM.
type ProcessedMemory struct {
	Content string `json:"content" jsonschema:"description=The memorable information extracted from the conversation"`
	Summary string `json:"summary" jsonschema:"description=One sentence summary of the memory"`

	Category   Category   `json:"category" jsonschema:"enum=fact,enum=preference,enum=skill,enum=rule,enum=context,enum=conversational,enum=conscious-info"`
	Importance Importance `json:"importance" jsonschema:"enum=critical,enum=high,enum=medium,enum=low"`
	Topic      string     `json:"topic,omitempty" jsonschema:"description=Main topic in a few words"`

	Entities map[string][]string `json:"entities,omitempty" jsonschema:"description=Named entities keyed by type: people, technologies, topics, skills, projects"`
	Keywords []string            `json:"keywords,omitempty" jsonschema:"description=Search keywords for this memory"`

	ImportanceScore    float64 `json:"importance_score" jsonschema:"minimum=0,maximum=1"`
	NoveltyScore       float64 `json:"novelty_score" jsonschema:"minimum=0,maximum=1"`
	RelevanceScore     float64 `json:"relevance_score" jsonschema:"minimum=0,maximum=1"`
	ActionabilityScore float64 `json:"actionability_score" jsonschema:"minimum=0,maximum=1"`
	ConfidenceScore    float64 `json:"confidence_score" jsonschema:"minimum=0,maximum=1"`

	IsUserContext     bool `json:"is_user_context" jsonschema:"description=True when the memory describes who the user is"`
	IsPreference      bool `json:"is_preference"`
	IsSkillKnowledge  bool `json:"is_skill_knowledge"`
	IsCurrentProject  bool `json:"is_current_project"`
	PromotionEligible bool `json:"promotion_eligible" jsonschema:"description=True when the memory should be considered for short-term promotion"`

	Classification       Classification `json:"classification" jsonschema:"enum=conscious-info,enum=essential,enum=contextual"`
	ClassificationReason string         `json:"classification_reason"`

	DuplicateOf     string   `json:"duplicate_of,omitempty"`
	Supersedes      []string `json:"supersedes,omitempty"`
	RelatedMemories []string `json:"related_memories,omitempty"`
}

// ClampScores forces every score into [0,1].
func (p *ProcessedMemory) ClampScores() {
	p.ImportanceScore = clamp01(p.ImportanceScore)
	p.NoveltyScore = clamp01(p.NoveltyScore)
	p.RelevanceScore = clamp01(p.RelevanceScore)
	p.ActionabilityScore = clamp01(p.ActionabilityScore)
	p.ConfidenceScore = clamp01(p.ConfidenceScore)
}

// Validate checks the enum fields and required content. Callers clamp
// scores first; Validate never mutates.
func (p *ProcessedMemory) Validate() error {
	if p.Content == "" {
		return fmt.Errorf("processed memory content is required")
	}

	valid := false
	for _, c := range Categories {
		if p.Category == c {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid category: %q", p.Category)
	}

	// Importance may be omitted; Weight() treats empty as medium.
	if p.Importance != "" {
		valid = false
		for _, i := range Importances {
			if p.Importance == i {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid importance: %q", p.Importance)
		}
	}

	return nil
}

// NormalizeEntities drops unknown entity types and empty values.
func NormalizeEntities(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}

	out := make(map[string][]string)
	for _, typ := range EntityTypes {
		var kept []string
		for _, v := range in[typ] {
			if v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			out[typ] = kept
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
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

// Memory is the row shape shared by both tiers. ExpiresAt,
// IsPermanentContext, OriginalMemoryID, PromotedBy and PromotedAt are
// meaningful for short-term rows only.
type Memory struct {
	MemoryID       string          `json:"memory_id"`
	OriginalChatID string          `json:"original_chat_id,omitempty"`
	Namespace      string          `json:"namespace"`
	Processed      ProcessedMemory `json:"processed_data"`

	CategoryPrimary   string    `json:"category_primary"`
	ImportanceScore   float64   `json:"importance_score"`
	SearchableContent string    `json:"searchable_content"`
	Summary           string    `json:"summary"`
	CreatedAt         time.Time `json:"created_at"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	ProcessedForDuplicates bool `json:"processed_for_duplicates"`
	PromotedToShortTerm    bool `json:"promoted_to_short_term"`

	// Short-term only.
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	IsPermanentContext bool       `json:"is_permanent_context,omitempty"`
	OriginalMemoryID   string     `json:"original_memory_id,omitempty"`
	PromotedBy         string     `json:"promoted_by,omitempty"`
	PromotedAt         *time.Time `json:"promoted_at,omitempty"`
}

// Expired reports whether a short-term row has passed its expiration.
// Permanent-context rows never expire.
func (m *Memory) Expired(now time.Time) bool {
	if m.IsPermanentContext || m.ExpiresAt == nil {
		return false
	}
	return !m.ExpiresAt.After(now)
}

// UserContextProfile is the single permanent-context row per namespace,
// built by conscious ingest and merged on subsequent runs.
type UserContextProfile struct {
	Name               string    `json:"name,omitempty"`
	Location           string    `json:"location,omitempty"`
	JobTitle           string    `json:"job_title,omitempty"`
	Company            string    `json:"company,omitempty"`
	PrimaryLanguages   []string  `json:"primary_languages,omitempty"`
	Tools              []string  `json:"tools,omitempty"`
	CommunicationStyle string    `json:"communication_style,omitempty"`
	ActiveProjects     []string  `json:"active_projects,omitempty"`
	LearningGoals      []string  `json:"learning_goals,omitempty"`
	Version            int       `json:"version"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Merge folds non-empty fields from other into p. The version counter
// increases only when something actually changed.
func (p *UserContextProfile) Merge(other *UserContextProfile, now time.Time) bool {
	if other == nil {
		return false
	}

	changed := false
	mergeString := func(dst *string, src string) {
		if src != "" && src != *dst {
			*dst = src
			changed = true
		}
	}

	mergeString(&p.Name, other.Name)
	mergeString(&p.Location, other.Location)
	mergeString(&p.JobTitle, other.JobTitle)
	mergeString(&p.Company, other.Company)
	mergeString(&p.CommunicationStyle, other.CommunicationStyle)

	p.PrimaryLanguages = mergeList(p.PrimaryLanguages, other.PrimaryLanguages, &changed)
	p.Tools = mergeList(p.Tools, other.Tools, &changed)
	p.ActiveProjects = mergeList(p.ActiveProjects, other.ActiveProjects, &changed)
	p.LearningGoals = mergeList(p.LearningGoals, other.LearningGoals, &changed)

	if changed {
		p.Version++
		p.LastUpdated = now
	}
	return changed
}

// mergeList unions src into dst, comparing case-insensitively so the
// profile does not accrete "Go" and "go" as separate entries.
func mergeList(dst, src []string, changed *bool) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[strings.ToLower(v)] = struct{}{}
	}
	for _, v := range src {
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; !ok {
			dst = append(dst, v)
			seen[key] = struct{}{}
			*changed = true
		}
	}
	return dst
}

// CheckIntegrity validates a profile loaded from storage. A corrupted
// profile is rebuilt from source rows on the next ingest rather than
// trusted.
func (p *UserContextProfile) CheckIntegrity() error {
	if p.Version < 1 {
		return fmt.Errorf("profile version %d out of range", p.Version)
	}
	if p.LastUpdated.IsZero() {
		return fmt.Errorf("profile missing last_updated")
	}
	return nil
}
