package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBooleanColumn(t *testing.T) {
	boolean := []string{
		"is_user_context", "is_permanent_context", "has_expiry",
		"processed_for_duplicates", "promotion_eligible",
		"promoted_to_short_term", "shared_memory", "IS_PREFERENCE",
	}
	for _, col := range boolean {
		assert.True(t, IsBooleanColumn(col), col)
	}

	plain := []string{
		"memory_id", "namespace", "importance_score", "summary",
		"category_primary", "created_at", "access_count",
	}
	for _, col := range plain {
		assert.False(t, IsBooleanColumn(col), col)
	}
}

func TestTranslateArgs(t *testing.T) {
	cols := []string{"memory_id", "is_user_context", "promotion_eligible", "summary"}
	args := []any{"m1", true, false, "text"}

	t.Run("sqlite maps bools to 0/1", func(t *testing.T) {
		out := TranslateArgs(DialectSQLite, cols, args)
		assert.Equal(t, []any{"m1", 1, 0, "text"}, out)
	})

	t.Run("mysql maps bools to 0/1", func(t *testing.T) {
		out := TranslateArgs(DialectMySQL, cols, args)
		assert.Equal(t, []any{"m1", 1, 0, "text"}, out)
	})

	t.Run("postgres keeps native bools", func(t *testing.T) {
		out := TranslateArgs(DialectPostgres, cols, args)
		assert.Equal(t, args, out)
	})

	t.Run("original slice is not mutated", func(t *testing.T) {
		_ = TranslateArgs(DialectSQLite, cols, args)
		assert.Equal(t, true, args[1])
	})

	t.Run("non-bool value in boolean column passes through", func(t *testing.T) {
		out := TranslateArgs(DialectSQLite, []string{"is_user_context"}, []any{"yes"})
		assert.Equal(t, []any{"yes"}, out)
	})
}

func TestRebind(t *testing.T) {
	query := "SELECT * FROM t WHERE a = ? AND b = ? AND c = '?' AND d = ?"

	t.Run("postgres numbers placeholders", func(t *testing.T) {
		got := Rebind(DialectPostgres, query)
		assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = '?' AND d = $3", got)
	})

	t.Run("sqlite and mysql untouched", func(t *testing.T) {
		assert.Equal(t, query, Rebind(DialectSQLite, query))
		assert.Equal(t, query, Rebind(DialectMySQL, query))
	})
}
