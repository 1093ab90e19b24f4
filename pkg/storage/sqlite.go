package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memorihq/memori/pkg/config"
)

type sqliteEngine struct {
	baseEngine
}

func openSQLite(ctx context.Context, info *config.ConnectionInfo) (Engine, error) {
	var dsn string
	memory := info.DSN == config.SQLiteMemoryPath

	if memory {
		// Shared cache keeps every pooled connection on the same
		// in-memory database; a single connection keeps it alive.
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	} else {
		dsn = info.DSN + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(2 * time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database %q: %w", info.DSN, err)
	}

	e := &sqliteEngine{
		baseEngine: baseEngine{db: db, dialect: DialectSQLite},
	}
	e.fulltext = &sqliteFTS{db: db}

	slog.Debug("opened sqlite database", "path", info.DSN)
	return e, nil
}

// sqliteFTS mirrors both memory tiers into one standalone FTS5 table
// kept in sync by insert/delete triggers. When the fts5 module is not
// compiled in, Available reports false and searches fall back to LIKE.
type sqliteFTS struct {
	db        *sql.DB
	available bool
}

const sqliteFTSTable = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_search_fts USING fts5(
	memory_id UNINDEXED,
	source_table UNINDEXED,
	namespace UNINDEXED,
	category UNINDEXED,
	searchable_content,
	summary
);
`

var sqliteFTSTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_insert AFTER INSERT ON long_term_memory BEGIN
	INSERT INTO memory_search_fts(memory_id, source_table, namespace, category, searchable_content, summary)
	VALUES (new.memory_id, 'long_term_memory', new.namespace, new.category_primary, new.searchable_content, new.summary);
END;`,
	`CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_delete AFTER DELETE ON long_term_memory BEGIN
	DELETE FROM memory_search_fts WHERE memory_id = old.memory_id AND source_table = 'long_term_memory';
END;`,
	`CREATE TRIGGER IF NOT EXISTS short_term_memory_fts_insert AFTER INSERT ON short_term_memory BEGIN
	INSERT INTO memory_search_fts(memory_id, source_table, namespace, category, searchable_content, summary)
	VALUES (new.memory_id, 'short_term_memory', new.namespace, new.category_primary, new.searchable_content, new.summary);
END;`,
	`CREATE TRIGGER IF NOT EXISTS short_term_memory_fts_delete AFTER DELETE ON short_term_memory BEGIN
	DELETE FROM memory_search_fts WHERE memory_id = old.memory_id AND source_table = 'short_term_memory';
END;`,
	// Content is immutable except for the profile row, whose searchable
	// text is rewritten on every merge.
	`CREATE TRIGGER IF NOT EXISTS long_term_memory_fts_update AFTER UPDATE OF searchable_content, summary ON long_term_memory BEGIN
	UPDATE memory_search_fts SET searchable_content = new.searchable_content, summary = new.summary
	WHERE memory_id = new.memory_id AND source_table = 'long_term_memory';
END;`,
	`CREATE TRIGGER IF NOT EXISTS short_term_memory_fts_update AFTER UPDATE OF searchable_content, summary ON short_term_memory BEGIN
	UPDATE memory_search_fts SET searchable_content = new.searchable_content, summary = new.summary
	WHERE memory_id = new.memory_id AND source_table = 'short_term_memory';
END;`,
}

func (f *sqliteFTS) Install(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, sqliteFTSTable); err != nil {
		if strings.Contains(err.Error(), "no such module") {
			slog.Warn("sqlite built without fts5, search degrades to LIKE", "error", err)
			f.available = false
			return nil
		}
		return fmt.Errorf("failed to create fts5 table: %w", err)
	}

	for _, trigger := range sqliteFTSTriggers {
		if _, err := f.db.ExecContext(ctx, trigger); err != nil {
			return fmt.Errorf("failed to create fts5 trigger: %w", err)
		}
	}

	f.available = true
	return nil
}

func (f *sqliteFTS) Available() bool  { return f.available }
func (f *sqliteFTS) Strategy() string { return "fts5" }

func (f *sqliteFTS) Search(ctx context.Context, table string, terms []string, namespace, category string, limit int) ([]ScoredID, error) {
	match := QuoteFTSTokens(terms)
	if match == "" {
		return nil, nil
	}

	stmt := `SELECT memory_id FROM memory_search_fts
WHERE memory_search_fts MATCH ? AND source_table = ? AND namespace = ?`
	args := []any{match, table, namespace}
	if category != "" {
		stmt += " AND category = ?"
		args = append(args, category)
	}
	stmt += " ORDER BY bm25(memory_search_fts) LIMIT ?"
	args = append(args, limit)

	rows, err := f.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ScoredID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan fts5 row: %w", err)
		}
		hits = append(hits, ScoredID{ID: id, Score: positionalScore(len(hits), limit)})
	}
	return hits, rows.Err()
}
