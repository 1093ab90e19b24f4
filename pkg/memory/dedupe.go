package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// maxCycleLength bounds the reference-graph walk when breaking
// duplicate cycles.
const maxCycleLength = 5

type dedupeRow struct {
	id          string
	key         string
	duplicateOf string
	supersedes  []string
	related     []string
	createdAt   time.Time
}

func (r *dedupeRow) edges() []string {
	out := make([]string, 0, 1+len(r.supersedes)+len(r.related))
	if r.duplicateOf != "" {
		out = append(out, r.duplicateOf)
	}
	out = append(out, r.supersedes...)
	out = append(out, r.related...)
	return out
}

// dedupeKey collapses a row to its comparison identity.
func dedupeKey(content, summary string) string {
	return strings.ToLower(strings.TrimSpace(content)) + "\n" + strings.ToLower(strings.TrimSpace(summary))
}

// FindDuplicates scans a namespace's long-term rows, links exact
// duplicates to their oldest copy, and breaks reference cycles whose
// length is at most maxCycleLength. Every scanned row is marked
// processed. Returns the number of rows newly linked as duplicates.
func (s *Store) FindDuplicates(ctx context.Context, namespace string) (int, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	rows, err := s.loadDedupeRows(ctx, namespace)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	marked := markDuplicates(rows)
	cleared := breakCycles(rows)

	err = s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range marked {
			cols := []string{"duplicate_of", "memory_id"}
			args := s.engine.TranslateArgs(cols, []any{r.duplicateOf, r.id})
			query := s.engine.Rebind("UPDATE long_term_memory SET duplicate_of = ? WHERE memory_id = ?")
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to link duplicate %s: %w", r.id, err)
			}
		}
		for _, r := range cleared {
			query := s.engine.Rebind("UPDATE long_term_memory SET duplicate_of = NULL WHERE memory_id = ?")
			if _, err := tx.ExecContext(ctx, query, r.id); err != nil {
				return fmt.Errorf("failed to break duplicate cycle at %s: %w", r.id, err)
			}
		}

		cols := []string{"processed_for_duplicates", "namespace", "processed_for_duplicates"}
		args := s.engine.TranslateArgs(cols, []any{true, namespace, false})
		query := s.engine.Rebind("UPDATE long_term_memory SET processed_for_duplicates = ? WHERE namespace = ? AND processed_for_duplicates = ?")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark rows processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(marked) > 0 || len(cleared) > 0 {
		slog.Info("deduplication pass complete",
			"namespace", namespace,
			"scanned", len(rows),
			"duplicates", len(marked),
			"cycles_broken", len(cleared))
	}

	return len(marked), nil
}

func (s *Store) loadDedupeRows(ctx context.Context, namespace string) (map[string]*dedupeRow, error) {
	query := s.engine.Rebind(`SELECT memory_id, searchable_content, summary, created_at, duplicate_of, supersedes_json, related_memories_json
FROM long_term_memory WHERE namespace = ? ORDER BY created_at ASC, memory_id ASC`)

	dbRows, err := s.engine.DB().QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows for deduplication: %w", err)
	}
	defer dbRows.Close()

	rows := make(map[string]*dedupeRow)
	for dbRows.Next() {
		var (
			r           dedupeRow
			content     string
			summary     string
			duplicateOf sql.NullString
			supersedes  string
			related     string
		)
		if err := dbRows.Scan(&r.id, &content, &summary, &r.createdAt, &duplicateOf, &supersedes, &related); err != nil {
			return nil, fmt.Errorf("failed to scan deduplication row: %w", err)
		}
		r.key = dedupeKey(content, summary)
		r.duplicateOf = duplicateOf.String
		if err := json.Unmarshal([]byte(supersedes), &r.supersedes); err != nil {
			r.supersedes = nil
		}
		if err := json.Unmarshal([]byte(related), &r.related); err != nil {
			r.related = nil
		}
		rows[r.id] = &r
	}
	return rows, dbRows.Err()
}

// markDuplicates links every row whose key already appeared on an
// older row. The oldest copy wins and is never linked itself.
func markDuplicates(rows map[string]*dedupeRow) []*dedupeRow {
	ordered := make([]*dedupeRow, 0, len(rows))
	for _, r := range rows {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].createdAt.Equal(ordered[j].createdAt) {
			return ordered[i].id < ordered[j].id
		}
		return ordered[i].createdAt.Before(ordered[j].createdAt)
	})

	winners := make(map[string]string, len(ordered))
	var marked []*dedupeRow
	for _, r := range ordered {
		winner, seen := winners[r.key]
		if !seen {
			winners[r.key] = r.id
			continue
		}
		if r.duplicateOf == "" && winner != r.id {
			r.duplicateOf = winner
			marked = append(marked, r)
		}
	}
	return marked
}

// breakCycles clears duplicate_of links that close a cycle of length
// at most maxCycleLength in the reference graph (duplicate_of,
// supersedes, related edges). Rows are visited in id order so repeated
// passes make the same choice.
func breakCycles(rows map[string]*dedupeRow) []*dedupeRow {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cleared []*dedupeRow
	for _, id := range ids {
		r := rows[id]
		if r.duplicateOf == "" {
			continue
		}
		seen := map[string]bool{r.duplicateOf: true}
		if reaches(rows, r.duplicateOf, r.id, maxCycleLength-1, seen) {
			r.duplicateOf = ""
			cleared = append(cleared, r)
		}
	}
	return cleared
}

// reaches reports whether target is reachable from id within depth
// additional hops.
func reaches(rows map[string]*dedupeRow, id, target string, depth int, seen map[string]bool) bool {
	if id == target {
		return true
	}
	if depth <= 0 {
		return false
	}
	r, ok := rows[id]
	if !ok {
		return false
	}
	for _, next := range r.edges() {
		if next == target {
			return true
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		if reaches(rows, next, target, depth-1, seen) {
			return true
		}
	}
	return false
}
