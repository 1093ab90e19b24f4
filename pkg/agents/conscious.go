package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/observability"
	"github.com/memorihq/memori/pkg/providers"
)

// Buckets group conscious candidate rows for profile building.
const (
	BucketPersonal     = "personal"
	BucketProfessional = "professional"
	BucketTechnical    = "technical"
	BucketBehavioral   = "behavioral"
	BucketCurrent      = "current"
)

// bucketKeywords drive the rule-based bucket classification. Buckets
// are tried in a fixed order; the first hit wins.
var bucketKeywords = []struct {
	bucket string
	words  []string
}{
	{BucketPersonal, []string{"name is", "call me", "i live", "based in", "my family", "years old", "birthday", "i am from", "i'm from"}},
	{BucketProfessional, []string{"work at", "work for", "work as", "my job", "my role", "my team", "my company", "employed", "career", "engineer at", "developer at"}},
	{BucketTechnical, []string{"language", "framework", "library", "database", "using", "stack", "code", "programming", "tool", "api", "server"}},
	{BucketBehavioral, []string{"prefer", "like to", "usually", "style", "always", "never", "habit", "rather"}},
	{BucketCurrent, []string{"working on", "building", "current", "project", "learning", "this week", "right now", "deadline"}},
}

// BucketOf classifies one text into a conscious bucket. Texts matching
// nothing land in the current-work bucket.
func BucketOf(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range bucketKeywords {
		for _, word := range entry.words {
			if strings.Contains(lower, word) {
				return entry.bucket
			}
		}
	}
	return BucketCurrent
}

// Field extraction patterns. They run on sanitized searchable content,
// so quoting and markup are already stripped.
var (
	namePattern     = regexp.MustCompile(`(?i)(?:my name is|call me|i am called)\s+([A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)?)`)
	locationPattern = regexp.MustCompile(`(?i)(?:i live in|i am based in|i'?m based in|based out of|i'?m from|i am from)\s+([A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)?)`)
	jobPattern      = regexp.MustCompile(`(?i)i (?:work as|am)\s+an?\s+((?:senior |staff |junior |lead |principal )?[a-z-]+ (?:engineer|developer|designer|manager|scientist|analyst|architect|researcher|consultant|writer))`)
	companyPattern  = regexp.MustCompile(`(?i)(?:i work (?:at|for)|employed (?:at|by))\s+([A-Z][a-zA-Z0-9&.-]*(?:\s+[A-Z][a-zA-Z0-9&.-]*)?)`)
	stylePattern    = regexp.MustCompile(`(?i)prefer\s+(concise|short|brief|detailed|thorough|direct|casual|formal)`)
	projectPattern  = regexp.MustCompile(`(?i)(?:working on|building|developing)\s+(?:an?\s+|the\s+)?([a-zA-Z][a-zA-Z0-9 _-]{2,40}?)(?:[.,;!?]|$|\s+(?:using|with|in|for)\b)`)
	goalPattern     = regexp.MustCompile(`(?i)(?:want to learn|planning to learn|learning|studying)\s+(?:about\s+)?([a-zA-Z][a-zA-Z0-9 +#._-]{1,30}?)(?:[.,;!?]|$)`)
)

// knownLanguages maps lowercase tokens to canonical language names.
// Anything else under the technologies entity type counts as a tool.
var knownLanguages = map[string]string{
	"go": "Go", "golang": "Go", "python": "Python", "javascript": "JavaScript",
	"typescript": "TypeScript", "rust": "Rust", "java": "Java", "kotlin": "Kotlin",
	"swift": "Swift", "ruby": "Ruby", "c++": "C++", "c#": "C#", "php": "PHP",
	"scala": "Scala", "elixir": "Elixir", "haskell": "Haskell", "sql": "SQL",
}

const consolidationSystemPrompt = `You consolidate memory fragments about a user into a single profile.

RULES:
1. Only state facts present in the fragments; leave unknown fields empty
2. Prefer the most recent fragment when fragments conflict
3. Use canonical names for languages and tools
4. Keep lists short: the handful of items that actually define the user

Respond with a single JSON object matching the provided schema. No prose.`

// profileDraft is the LLM-facing shape of a consolidated profile. The
// bookkeeping fields of the stored profile are never model-set.
type profileDraft struct {
	Name               string   `json:"name,omitempty" jsonschema:"description=The user's name"`
	Location           string   `json:"location,omitempty" jsonschema:"description=Where the user lives or is based"`
	JobTitle           string   `json:"job_title,omitempty"`
	Company            string   `json:"company,omitempty"`
	PrimaryLanguages   []string `json:"primary_languages,omitempty" jsonschema:"description=Programming languages the user works in"`
	Tools              []string `json:"tools,omitempty" jsonschema:"description=Tools and platforms the user relies on"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	ActiveProjects     []string `json:"active_projects,omitempty"`
	LearningGoals      []string `json:"learning_goals,omitempty"`
}

// ConsciousAgent builds the permanent user-context profile from
// identity-flavored long-term rows. It runs once per process start.
type ConsciousAgent struct {
	store  *memory.Store
	client providers.StructuredClient
	model  string
}

// NewConsciousAgent builds the agent. A nil client disables the LLM
// consolidation pass; keyword extraction alone still produces a
// profile.
func NewConsciousAgent(store *memory.Store, client providers.StructuredClient, model string) *ConsciousAgent {
	return &ConsciousAgent{store: store, client: client, model: model}
}

// Run performs the one-shot conscious ingest for a namespace. It
// reports whether a profile was written: false means a valid profile
// already existed or there was nothing to build one from.
func (a *ConsciousAgent) Run(ctx context.Context, namespace string) (bool, error) {
	existing, err := a.store.GetUserContext(ctx, namespace)
	if err != nil && !errors.Is(err, memory.ErrProfileCorrupted) {
		return false, fmt.Errorf("failed to check user context: %w", err)
	}
	if existing != nil {
		slog.Debug("conscious ingest skipped, profile exists", "namespace", namespace, "version", existing.Version)
		return false, nil
	}

	candidates, err := a.store.ConsciousCandidates(ctx, namespace, 0)
	if err != nil {
		return false, fmt.Errorf("failed to load conscious candidates: %w", err)
	}
	if len(candidates) == 0 {
		slog.Debug("conscious ingest found no candidates", "namespace", namespace)
		return false, nil
	}

	now := time.Now().UTC()
	profile := BuildProfile(candidates, now)

	if a.client != nil {
		draft, err := a.consolidate(ctx, candidates)
		if err != nil {
			slog.Warn("profile consolidation failed, keeping keyword extraction", "namespace", namespace, "error", err)
		} else {
			profile.Merge(draftToProfile(draft), now)
		}
	}

	profile.Version = 1
	profile.LastUpdated = now

	if _, err := a.store.StoreUserContext(ctx, profile, namespace); err != nil {
		return false, fmt.Errorf("failed to store user context: %w", err)
	}

	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		ids = append(ids, m.MemoryID)
	}
	if err := a.store.MarkPromoted(ctx, ids); err != nil {
		slog.Warn("failed to mark conscious sources promoted", "namespace", namespace, "error", err)
	}

	slog.Info("conscious ingest complete", "namespace", namespace, "sources", len(candidates))
	return true, nil
}

// BuildProfile extracts a profile from candidate rows using keyword
// rules and the entities the classifier already attached.
func BuildProfile(candidates []*memory.Memory, now time.Time) *memory.UserContextProfile {
	profile := &memory.UserContextProfile{LastUpdated: now}

	setIfEmpty := func(dst *string, pattern *regexp.Regexp, text string) {
		if *dst != "" {
			return
		}
		if m := pattern.FindStringSubmatch(text); m != nil {
			*dst = strings.TrimSpace(m[1])
		}
	}

	for _, row := range candidates {
		text := row.SearchableContent
		if text == "" {
			text = row.Processed.Content
		}

		setIfEmpty(&profile.Name, namePattern, text)
		setIfEmpty(&profile.Location, locationPattern, text)
		setIfEmpty(&profile.JobTitle, jobPattern, text)
		setIfEmpty(&profile.Company, companyPattern, text)

		if profile.CommunicationStyle == "" {
			if m := stylePattern.FindStringSubmatch(text); m != nil {
				profile.CommunicationStyle = strings.ToLower(m[1])
			}
		}

		for _, m := range projectPattern.FindAllStringSubmatch(text, -1) {
			profile.ActiveProjects = appendUnique(profile.ActiveProjects, strings.TrimSpace(m[1]))
		}
		for _, m := range goalPattern.FindAllStringSubmatch(text, -1) {
			profile.LearningGoals = appendUnique(profile.LearningGoals, strings.TrimSpace(m[1]))
		}

		for _, tech := range row.Processed.Entities["technologies"] {
			if canonical, ok := knownLanguages[strings.ToLower(tech)]; ok {
				profile.PrimaryLanguages = appendUnique(profile.PrimaryLanguages, canonical)
			} else {
				profile.Tools = appendUnique(profile.Tools, tech)
			}
		}
		for _, skill := range row.Processed.Entities["skills"] {
			if canonical, ok := knownLanguages[strings.ToLower(skill)]; ok {
				profile.PrimaryLanguages = appendUnique(profile.PrimaryLanguages, canonical)
			}
		}
		for _, project := range row.Processed.Entities["projects"] {
			profile.ActiveProjects = appendUnique(profile.ActiveProjects, project)
		}
	}

	return profile
}

// consolidate asks the LLM to fold the candidate fragments into a
// profile draft, fragments grouped by bucket.
func (a *ConsciousAgent) consolidate(ctx context.Context, candidates []*memory.Memory) (*profileDraft, error) {
	schema, err := ReflectSchema(&profileDraft{})
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][]string)
	for _, row := range candidates {
		text := row.SearchableContent
		if text == "" {
			text = row.Processed.Content
		}
		bucket := BucketOf(text)
		buckets[bucket] = append(buckets[bucket], text)
	}

	var b strings.Builder
	b.WriteString("Consolidate these memory fragments into a user profile:\n")
	for _, bucket := range []string{BucketPersonal, BucketProfessional, BucketTechnical, BucketBehavioral, BucketCurrent} {
		lines := buckets[bucket]
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(bucket))
		for _, line := range lines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	req := &providers.CompletionRequest{
		Model:       a.model,
		System:      consolidationSystemPrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: b.String()}},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,

		ResponseSchema: schema,
		SchemaName:     "user_profile",
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
		return nil, fmt.Errorf("no JSON object in consolidation response")
	}

	var draft profileDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil, fmt.Errorf("failed to parse consolidation response: %w", err)
	}
	return &draft, nil
}

func draftToProfile(d *profileDraft) *memory.UserContextProfile {
	return &memory.UserContextProfile{
		Name:               d.Name,
		Location:           d.Location,
		JobTitle:           d.JobTitle,
		Company:            d.Company,
		PrimaryLanguages:   d.PrimaryLanguages,
		Tools:              d.Tools,
		CommunicationStyle: d.CommunicationStyle,
		ActiveProjects:     d.ActiveProjects,
		LearningGoals:      d.LearningGoals,
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return list
		}
	}
	return append(list, value)
}
