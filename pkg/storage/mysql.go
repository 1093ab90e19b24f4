package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/memorihq/memori/pkg/config"
)

type mysqlEngine struct {
	baseEngine
}

func openMySQL(ctx context.Context, info *config.ConnectionInfo) (Engine, error) {
	db, err := connectMySQL(ctx, info.DSN)
	if err != nil {
		// 1049: unknown database.
		if !isMySQLErrno(err, 1049) {
			return nil, fmt.Errorf("failed to connect to mysql database %q: %w", info.Database, err)
		}
		if err := ensureMySQLDatabase(ctx, info); err != nil {
			return nil, err
		}
		if db, err = connectMySQL(ctx, info.DSN); err != nil {
			return nil, fmt.Errorf("failed to connect to mysql database %q after create: %w", info.Database, err)
		}
	}

	e := &mysqlEngine{
		baseEngine: baseEngine{db: db, dialect: DialectMySQL},
	}
	e.fulltext = &mysqlFTS{db: db}

	slog.Debug("opened mysql database", "database", info.Database)
	return e, nil
}

func connectMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
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

func ensureMySQLDatabase(ctx context.Context, info *config.ConnectionInfo) error {
	admin, err := sql.Open("mysql", info.AdminDSN)
	if err != nil {
		return fmt.Errorf("failed to open mysql admin connection: %w", err)
	}
	defer admin.Close()

	var name string
	err = admin.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?",
		info.Database).Scan(&name)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to probe information_schema: %w", err)
	}

	if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE `%s`", info.Database)); err != nil {
		return fmt.Errorf("failed to create database %q: %w", info.Database, err)
	}

	slog.Info("created mysql database", "database", info.Database)
	return nil
}

func isMySQLErrno(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

// mysqlFTS adds a composite FULLTEXT index per memory tier and searches
// it in natural language mode. The index requires InnoDB (always the
// case for the schema this package serves); presence is probed through
// the statistics catalog because ALTER TABLE has no IF NOT EXISTS form.
type mysqlFTS struct {
	db        *sql.DB
	available bool
}

func (f *mysqlFTS) Install(ctx context.Context) error {
	for _, table := range []string{TableLongTerm, TableShortTerm} {
		index := "ftx_" + table + "_search"

		var found string
		err := f.db.QueryRowContext(ctx,
			`SELECT index_name FROM information_schema.statistics
WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ? LIMIT 1`,
			table, index).Scan(&found)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to probe fulltext index on %s: %w", table, err)
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD FULLTEXT INDEX %s (searchable_content, summary)", table, index)
		if _, err := f.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add fulltext index on %s: %w", table, err)
		}
	}

	f.available = true
	return nil
}

func (f *mysqlFTS) Available() bool  { return f.available }
func (f *mysqlFTS) Strategy() string { return "fulltext" }

func (f *mysqlFTS) Search(ctx context.Context, table string, terms []string, namespace, category string, limit int) ([]ScoredID, error) {
	// Natural language mode already matches any term and ranks by
	// relevance.
	query := strings.Join(terms, " ")

	stmt := fmt.Sprintf(`SELECT memory_id FROM %s
WHERE MATCH(searchable_content, summary) AGAINST (? IN NATURAL LANGUAGE MODE) AND namespace = ?`, table)
	args := []any{query, namespace}
	if category != "" {
		stmt += " AND category_primary = ?"
		args = append(args, category)
	}
	stmt += " ORDER BY MATCH(searchable_content, summary) AGAINST (? IN NATURAL LANGUAGE MODE) DESC LIMIT ?"
	args = append(args, query, limit)

	rows, err := f.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ScoredID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan fulltext row: %w", err)
		}
		hits = append(hits, ScoredID{ID: id, Score: positionalScore(len(hits), limit)})
	}
	return hits, rows.Err()
}
