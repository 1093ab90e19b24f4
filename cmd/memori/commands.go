package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/memorihq/memori/pkg/memory"
)

// InitCmd opens the database, creating it and the memory schema when
// absent.
type InitCmd struct{}

func (c *InitCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	engine := mem.Orchestrator().Store().Engine()
	fmt.Printf("memory schema ready (%s, namespace %q)\n", engine.Dialect(), mem.Config().Namespace)
	return nil
}

// StatsCmd shows namespace statistics.
type StatsCmd struct {
	JSON bool `help:"Emit JSON instead of text."`
}

func (c *StatsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	stats, err := mem.Stats(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(stats)
	}

	fmt.Printf("Namespace:  %s\n", stats.Namespace)
	fmt.Printf("Chats:      %d\n", stats.Chats)
	printTier("Long-term", stats.LongTerm)
	printTier("Short-term", stats.ShortTerm)
	return nil
}

func printTier(label string, tier memory.TierStats) {
	fmt.Printf("%-11s %d memories", label+":", tier.Count)
	if tier.Count > 0 {
		fmt.Printf(" (avg importance %.2f)", tier.AverageImportance)
	}
	fmt.Println()

	categories := make([]string, 0, len(tier.Categories))
	for category := range tier.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		fmt.Printf("  %-14s %d\n", category, tier.Categories[category])
	}
}

// SearchCmd searches stored memories.
type SearchCmd struct {
	Query string `arg:"" help:"What to search for."`
	Limit int    `help:"Maximum results." default:"10"`
}

func (c *SearchCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	results, err := mem.SearchMemories(ctx, c.Query, c.Limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no memories matched")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. [%s] score %.2f  %s\n", i+1, r.CategoryPrimary, r.Score, r.Summary)
		fmt.Printf("    %s\n", r.SearchableContent)
	}
	return nil
}

// RecentCmd lists recently stored memories.
type RecentCmd struct {
	Tier  string `help:"Memory tier." default:"long_term" enum:"long_term,short_term"`
	Limit int    `help:"Maximum rows." default:"10"`
}

func (c *RecentCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	rows, err := mem.Orchestrator().Store().ListRecent(ctx, mem.Config().Namespace, memory.Tier(c.Tier), c.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no %s memories stored\n", c.Tier)
		return nil
	}

	for _, row := range rows {
		fmt.Printf("%s  [%s]  %s\n", row.CreatedAt.Format(time.DateTime), row.CategoryPrimary, row.Summary)
	}
	return nil
}

// ReapCmd deletes expired short-term memories.
type ReapCmd struct{}

func (c *ReapCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	reaped, err := mem.Orchestrator().Store().Reap(ctx, mem.Config().Namespace, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("reaped %d expired short-term memories\n", reaped)
	return nil
}

// PromoteCmd runs one promotion cycle outside the worker schedule.
type PromoteCmd struct{}

func (c *PromoteCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	promoted, err := mem.RunPromotion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("promoted %d memories to short-term\n", promoted)
	return nil
}

// IngestCmd rebuilds the conscious context profile.
type IngestCmd struct {
	Force bool `help:"Rebuild even when a valid profile exists."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx := context.Background()
	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	if c.Force {
		store := mem.Orchestrator().Store()
		ns := mem.Config().Namespace
		if err := store.DeleteUserContext(ctx, ns); err != nil {
			return err
		}
		if _, err := store.ClearEssentials(ctx, ns); err != nil {
			return err
		}
	}

	rebuilt, err := mem.RunConsciousIngest(ctx)
	if err != nil {
		return err
	}
	if rebuilt {
		fmt.Println("conscious context rebuilt")
	} else {
		fmt.Println("existing profile still valid, skipped (use --force to rebuild)")
	}
	return nil
}
