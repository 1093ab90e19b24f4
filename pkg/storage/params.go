package storage

import (
	"strconv"
	"strings"
)

// Boolean columns are recognized by name pattern. Postgres stores native
// booleans; sqlite and mysql store 0/1.
var (
	boolPrefixes = []string{"is_", "has_"}
	boolSuffixes = []string{"_processed", "_eligible"}
	boolColumns  = map[string]struct{}{
		"processed_for_duplicates": {},
		"promoted_to_short_term":   {},
		"shared_memory":            {},
	}
)

// IsBooleanColumn reports whether the named column holds a boolean.
func IsBooleanColumn(col string) bool {
	col = strings.ToLower(col)
	for _, p := range boolPrefixes {
		if strings.HasPrefix(col, p) {
			return true
		}
	}
	for _, s := range boolSuffixes {
		if strings.HasSuffix(col, s) {
			return true
		}
	}
	if strings.Contains(col, "_permanent") {
		return true
	}
	_, ok := boolColumns[col]
	return ok
}

// TranslateArgs maps Go bool arguments to the dialect's representation.
// cols and args align positionally; non-boolean columns pass through.
func TranslateArgs(dialect Dialect, cols []string, args []any) []any {
	if dialect == DialectPostgres {
		return args
	}

	out := make([]any, len(args))
	copy(out, args)
	for i, col := range cols {
		if i >= len(out) || !IsBooleanColumn(col) {
			continue
		}
		if b, ok := out[i].(bool); ok {
			if b {
				out[i] = 1
			} else {
				out[i] = 0
			}
		}
	}
	return out
}

// Rebind converts ?-placeholders to the dialect's native form. Only
// postgres differs ($1, $2, …). Question marks inside single-quoted
// literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
