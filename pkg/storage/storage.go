// Package storage presents one CRUD+search surface over sqlite, postgres
// and mysql. The engine auto-creates networked databases, installs
// dialect-specific full-text infrastructure, and translates placeholders
// and boolean arguments so callers write portable SQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/memorihq/memori/pkg/config"
)

// Dialect identifies the SQL flavor an engine speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Canonical table names. The full-text layer indexes the two memory
// tiers; chat history is never full-text searched.
const (
	TableChat      = "chat_history"
	TableLongTerm  = "long_term_memory"
	TableShortTerm = "short_term_memory"
)

const (
	// DefaultSearchLimit applies when SearchParams.Limit is zero.
	DefaultSearchLimit = 50
	// MaxSearchLimit is the hard cap on any one search.
	MaxSearchLimit = 1000
)

// Statements is dialect-rendered DDL executed in order by EnsureSchema.
type Statements []string

// SearchParams describes one memory search across both tiers.
type SearchParams struct {
	Query     string
	Namespace string
	// Category filters on category_primary when non-empty.
	Category string
	Limit    int
}

// ScoredID is one full-text hit. Scores are positional within a single
// query (1.0 for the best hit, decreasing linearly) so that ranks stay
// comparable across dialects with incompatible native rank scales.
type ScoredID struct {
	ID    string
	Score float64
}

// SearchRow tags a hit with its source tier and the strategy that
// produced it.
type SearchRow struct {
	Table    string
	ID       string
	Score    float64
	Strategy string
}

// FullTextIndex is the per-dialect native search capability. Install is
// idempotent and runs after the base tables exist; an engine whose
// native machinery is unavailable at runtime reports Available()=false
// and the caller falls back to LIKE. Search matches rows containing ANY
// of the sanitized terms; the native ranker orders them.
type FullTextIndex interface {
	Install(ctx context.Context) error
	Available() bool
	Search(ctx context.Context, table string, terms []string, namespace, category string, limit int) ([]ScoredID, error)
	Strategy() string
}

// Engine is the storage abstraction the memory store runs on.
type Engine interface {
	Dialect() Dialect
	DB() *sql.DB

	// EnsureSchema applies the given DDL, then installs full-text
	// infrastructure. Failures here are fatal at startup.
	EnsureSchema(ctx context.Context, stmts Statements) error

	FullText() FullTextIndex

	// Rebind converts ?-placeholders to the engine's native form.
	Rebind(query string) string

	// TranslateArgs converts Go bools to the dialect's boolean
	// representation, keyed by column name. cols and args align.
	TranslateArgs(cols []string, args []any) []any

	// WithTx runs fn in a transaction, retrying transient failures up
	// to three times with exponential backoff starting at 100ms.
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error

	// SearchMemories runs the sanitized query against both memory
	// tiers, native full-text first, LIKE on fallback. An empty query
	// returns the most recent rows.
	SearchMemories(ctx context.Context, p SearchParams) ([]SearchRow, error)

	Close() error
}

// Open connects per the parsed connection info and returns a ready
// engine. Networked engines create the target database when absent.
func Open(ctx context.Context, info *config.ConnectionInfo) (Engine, error) {
	if info == nil {
		return nil, fmt.Errorf("connection info is required")
	}

	switch info.Driver {
	case config.DriverSQLite:
		return openSQLite(ctx, info)
	case config.DriverPostgres:
		return openPostgres(ctx, info)
	case config.DriverMySQL:
		return openMySQL(ctx, info)
	default:
		return nil, fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", info.Driver)
	}
}
