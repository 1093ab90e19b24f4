package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	schemaTimeout = 30 * time.Second

	txMaxAttempts  = 3
	txInitialDelay = 100 * time.Millisecond
)

// baseEngine carries the dialect-independent behavior; each dialect
// engine embeds it and supplies the full-text implementation.
type baseEngine struct {
	db       *sql.DB
	dialect  Dialect
	fulltext FullTextIndex
}

func (e *baseEngine) Dialect() Dialect        { return e.dialect }
func (e *baseEngine) DB() *sql.DB             { return e.db }
func (e *baseEngine) FullText() FullTextIndex { return e.fulltext }

func (e *baseEngine) Close() error {
	return e.db.Close()
}

func (e *baseEngine) EnsureSchema(ctx context.Context, stmts Statements) error {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	if err := e.fulltext.Install(ctx); err != nil {
		return fmt.Errorf("failed to install full-text index: %w", err)
	}

	return nil
}

func (e *baseEngine) Rebind(query string) string {
	return Rebind(e.dialect, query)
}

func (e *baseEngine) TranslateArgs(cols []string, args []any) []any {
	return TranslateArgs(e.dialect, cols, args)
}

func (e *baseEngine) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	delay := txInitialDelay
	var lastErr error

	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying transaction after transient error",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := e.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", txMaxAttempts, lastErr)
}

func (e *baseEngine) runTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (e *baseEngine) SearchMemories(ctx context.Context, p SearchParams) ([]SearchRow, error) {
	if p.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if utf8.RuneCountInString(p.Query) > MaxQueryRunes {
		return nil, fmt.Errorf("query exceeds %d characters", MaxQueryRunes)
	}
	if p.Limit <= 0 {
		p.Limit = DefaultSearchLimit
	}
	if p.Limit > MaxSearchLimit {
		p.Limit = MaxSearchLimit
	}

	terms := QueryTerms(SanitizeQuery(p.Query))

	var rows []SearchRow
	for _, table := range []string{TableLongTerm, TableShortTerm} {
		hits, strategy, err := e.searchTable(ctx, table, terms, p)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", table, err)
		}
		for _, h := range hits {
			rows = append(rows, SearchRow{Table: table, ID: h.ID, Score: h.Score, Strategy: strategy})
		}
	}

	return rows, nil
}

func (e *baseEngine) searchTable(ctx context.Context, table string, terms []string, p SearchParams) ([]ScoredID, string, error) {
	if len(terms) == 0 {
		hits, err := e.recentSearch(ctx, table, p)
		return hits, "recent", err
	}

	if e.fulltext.Available() {
		hits, err := e.fulltext.Search(ctx, table, terms, p.Namespace, p.Category, p.Limit)
		if err == nil {
			return hits, e.fulltext.Strategy(), nil
		}
		slog.Warn("full-text search failed, falling back to LIKE",
			"table", table, "strategy", e.fulltext.Strategy(), "error", err)
	}

	hits, err := e.likeSearch(ctx, table, terms, p)
	return hits, "like", err
}

func (e *baseEngine) recentSearch(ctx context.Context, table string, p SearchParams) ([]ScoredID, error) {
	query := "SELECT memory_id FROM " + table + " WHERE namespace = ?"
	args := []any{p.Namespace}
	if p.Category != "" {
		query += " AND category_primary = ?"
		args = append(args, p.Category)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, p.Limit)

	return e.collectScored(ctx, e.Rebind(query), args, p.Limit)
}

func (e *baseEngine) likeSearch(ctx context.Context, table string, terms []string, p SearchParams) ([]ScoredID, error) {
	conds := make([]string, 0, len(terms))
	args := []any{p.Namespace}
	for _, term := range terms {
		pattern := "%" + EscapeLike(term) + "%"
		conds = append(conds, "searchable_content LIKE ? ESCAPE '!' OR summary LIKE ? ESCAPE '!'")
		args = append(args, pattern, pattern)
	}

	stmt := "SELECT memory_id FROM " + table +
		" WHERE namespace = ? AND (" + strings.Join(conds, " OR ") + ")"
	if p.Category != "" {
		stmt += " AND category_primary = ?"
		args = append(args, p.Category)
	}
	stmt += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, p.Limit)

	return e.collectScored(ctx, e.Rebind(stmt), args, p.Limit)
}

// collectScored scans single-column id rows and assigns positional
// scores: 1.0 for the first row, decreasing linearly.
func (e *baseEngine) collectScored(ctx context.Context, query string, args []any, limit int) ([]ScoredID, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ScoredID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		hits = append(hits, ScoredID{ID: id, Score: positionalScore(len(hits), limit)})
	}
	return hits, rows.Err()
}

func positionalScore(index, limit int) float64 {
	if limit < 1 {
		limit = 1
	}
	score := 1.0 - float64(index)/float64(limit)
	if score < 0 {
		return 0
	}
	return score
}
