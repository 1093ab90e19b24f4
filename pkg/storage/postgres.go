package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/memorihq/memori/pkg/config"
)

type postgresEngine struct {
	baseEngine
}

func openPostgres(ctx context.Context, info *config.ConnectionInfo) (Engine, error) {
	db, err := connectPostgres(ctx, info.DSN)
	if err != nil {
		// invalid_catalog_name: the target database does not exist yet.
		if !isPqCode(err, "3D000") {
			return nil, fmt.Errorf("failed to connect to postgres database %q: %w", info.Database, err)
		}
		if err := ensurePostgresDatabase(ctx, info); err != nil {
			return nil, err
		}
		if db, err = connectPostgres(ctx, info.DSN); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres database %q after create: %w", info.Database, err)
		}
	}

	e := &postgresEngine{
		baseEngine: baseEngine{db: db, dialect: DialectPostgres},
	}
	e.fulltext = &postgresFTS{db: db}

	slog.Debug("opened postgres database", "database", info.Database)
	return e, nil
}

func connectPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ensurePostgresDatabase connects to the admin database, probes the
// catalog and creates the target database when absent. The database
// name was already validated as a bare identifier.
func ensurePostgresDatabase(ctx context.Context, info *config.ConnectionInfo) error {
	admin, err := sql.Open("postgres", info.AdminDSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres admin connection: %w", err)
	}
	defer admin.Close()

	var exists int
	err = admin.QueryRowContext(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", info.Database).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to probe pg_database: %w", err)
	}

	if _, err := admin.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %q`, info.Database)); err != nil {
		return fmt.Errorf("failed to create database %q: %w", info.Database, err)
	}

	slog.Info("created postgres database", "database", info.Database)
	return nil
}

func isPqCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// postgresFTS maintains a trigger-populated search_vector column with a
// GIN index on each memory tier and searches it with plainto_tsquery.
type postgresFTS struct {
	db        *sql.DB
	available bool
}

const postgresVectorFunc = `
CREATE OR REPLACE FUNCTION memori_update_search_vector() RETURNS trigger AS $$
BEGIN
	NEW.search_vector := to_tsvector('english',
		coalesce(NEW.searchable_content, '') || ' ' || coalesce(NEW.summary, ''));
	RETURN NEW;
END
$$ LANGUAGE plpgsql;
`

func (f *postgresFTS) Install(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, postgresVectorFunc); err != nil {
		return fmt.Errorf("failed to create search vector function: %w", err)
	}

	for _, table := range []string{TableLongTerm, TableShortTerm} {
		stmts := []string{
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS search_vector tsvector", table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_search ON %s USING GIN (search_vector)", table, table),
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s_search_vector ON %s", table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_search_vector BEFORE INSERT OR UPDATE ON %s
FOR EACH ROW EXECUTE FUNCTION memori_update_search_vector()`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := f.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install tsvector search on %s: %w", table, err)
			}
		}
	}

	f.available = true
	return nil
}

func (f *postgresFTS) Available() bool  { return f.available }
func (f *postgresFTS) Strategy() string { return "tsvector" }

func (f *postgresFTS) Search(ctx context.Context, table string, terms []string, namespace, category string, limit int) ([]ScoredID, error) {
	// Terms are bare alphanumerics at this point; joined with | they
	// form a valid any-term tsquery.
	tsquery := strings.Join(terms, " | ")

	stmt := fmt.Sprintf(`SELECT memory_id FROM %s
WHERE search_vector @@ to_tsquery('english', $1) AND namespace = $2`, table)
	args := []any{tsquery, namespace}
	if category != "" {
		stmt += " AND category_primary = $3"
		args = append(args, category)
	}
	stmt += fmt.Sprintf(" ORDER BY ts_rank(search_vector, to_tsquery('english', $1)) DESC LIMIT $%d", len(args)+1)
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
			return nil, fmt.Errorf("failed to scan tsvector row: %w", err)
		}
		hits = append(hits, ScoredID{ID: id, Score: positionalScore(len(hits), limit)})
	}
	return hits, rows.Err()
}
