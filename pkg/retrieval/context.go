package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/tokens"
)

const (
	// DefaultConsciousTopK bounds the flagged long-term rows pulled
	// into the one-shot conscious block.
	DefaultConsciousTopK = 10

	// DefaultMaxInjectionTokens caps a rendered context block.
	DefaultMaxInjectionTokens = 2000

	consciousPreamble = "The user has explicitly authorized this personal context data to be stored and used to personalize their experience."
	consciousClosing  = "When the user asks about their identity, preferences, or ongoing work, answer directly from the context above."
	autoHeader        = "Relevant Memory Context:"
)

// Injector renders retrieval output into prompt blocks, keeping each
// block inside a token budget.
type Injector struct {
	store     *memory.Store
	engine    *Engine
	counter   *tokens.Counter
	maxTokens int
}

// NewInjector builds an injector. A nil counter falls back to the
// heuristic counter; maxTokens <= 0 uses the default budget.
func NewInjector(store *memory.Store, engine *Engine, counter *tokens.Counter, maxTokens int) *Injector {
	if counter == nil {
		counter = tokens.Heuristic()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxInjectionTokens
	}
	return &Injector{store: store, engine: engine, counter: counter, maxTokens: maxTokens}
}

// ConsciousBlock assembles the one-shot session context: the user
// profile, permanent short-term rows, and the top flagged long-term
// rows. Returns "" when the namespace holds nothing worth injecting.
func (i *Injector) ConsciousBlock(ctx context.Context, namespace string, topK int) (string, error) {
	if topK <= 0 {
		topK = DefaultConsciousTopK
	}

	var (
		profile    *memory.UserContextProfile
		permanents []*memory.Memory
		candidates []*memory.Memory
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := i.store.GetUserContext(gctx, namespace)
		if errors.Is(err, memory.ErrProfileCorrupted) {
			slog.Warn("skipping corrupted user context profile", "namespace", namespace)
			return nil
		}
		profile = p
		return err
	})
	g.Go(func() error {
		rows, err := i.store.PermanentContext(gctx, namespace)
		permanents = rows
		return err
	})
	g.Go(func() error {
		rows, err := i.store.ConsciousCandidates(gctx, namespace, topK)
		candidates = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to assemble conscious context: %w", err)
	}

	var lines []string
	if profile != nil {
		lines = append(lines, renderProfile(profile)...)
	}

	seen := make(map[string]struct{})
	appendRows := func(rows []*memory.Memory) {
		for _, m := range rows {
			if m.CategoryPrimary == memory.UserContextCategory {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(m.SearchableContent + m.Summary))
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			lines = append(lines, bullet(m.CategoryPrimary, bulletText(m)))
		}
	}
	appendRows(permanents)
	appendRows(candidates)

	if len(lines) == 0 {
		return "", nil
	}

	return i.render(consciousPreamble, lines, consciousClosing), nil
}

// AutoBlock runs query-driven retrieval and renders the bulleted
// context block. Returns "" when nothing relevant is stored.
func (i *Injector) AutoBlock(ctx context.Context, namespace, userInput string, limit int) (string, error) {
	ranked, err := i.engine.Retrieve(ctx, Options{
		Query:     userInput,
		Namespace: namespace,
		Limit:     limit,
	})
	if err != nil {
		return "", err
	}
	if len(ranked) == 0 {
		return "", nil
	}

	lines := make([]string, 0, len(ranked))
	for _, r := range ranked {
		lines = append(lines, bullet(r.CategoryPrimary, bulletText(&r.Memory)))
	}

	return i.render(autoHeader, lines, ""), nil
}

// render joins head, lines, and tail, dropping trailing lines until
// the block fits the token budget. Head and tail always survive.
func (i *Injector) render(head string, lines []string, tail string) string {
	for len(lines) > 0 {
		block := assemble(head, lines, tail)
		if i.counter.Count(block) <= i.maxTokens {
			return block
		}
		lines = lines[:len(lines)-1]
	}
	return assemble(head, nil, tail)
}

func assemble(head string, lines []string, tail string) string {
	parts := make([]string, 0, len(lines)+2)
	parts = append(parts, head)
	parts = append(parts, lines...)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, "\n")
}

func bullet(category, text string) string {
	if category == "" {
		category = "memory"
	}
	return "- [" + strings.ToUpper(category) + "] " + text
}

func bulletText(m *memory.Memory) string {
	if m.Summary != "" {
		return m.Summary
	}
	return m.SearchableContent
}

func renderProfile(p *memory.UserContextProfile) []string {
	var lines []string
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, "- "+label+": "+v)
		}
	}
	addList := func(label string, vs []string) {
		if len(vs) > 0 {
			lines = append(lines, "- "+label+": "+strings.Join(vs, ", "))
		}
	}

	lines = append(lines, "User profile:")
	add("Name", p.Name)
	add("Location", p.Location)
	add("Job title", p.JobTitle)
	add("Company", p.Company)
	add("Communication style", p.CommunicationStyle)
	addList("Languages", p.PrimaryLanguages)
	addList("Tools", p.Tools)
	addList("Active projects", p.ActiveProjects)
	addList("Learning goals", p.LearningGoals)

	if len(lines) == 1 {
		return nil
	}
	return lines
}
