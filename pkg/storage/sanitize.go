package storage

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxQueryRunes is the hard cap on a search query; longer inputs are
// rejected rather than truncated.
const MaxQueryRunes = 10_000

// maxSearchTerms bounds the OR expansion of a multi-term query.
const maxSearchTerms = 8

// Characters with operator meaning in at least one full-text parser.
var ftsSpecialPattern = regexp.MustCompile("[\"*():^~+<>=-]")

// Uppercase-only: FTS5 treats lowercase "and" as a plain token.
var ftsOperators = map[string]struct{}{
	"AND": {}, "OR": {}, "NOT": {}, "NEAR": {},
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// SanitizeQuery strips full-text operator syntax from user input so the
// remaining tokens are safe for every dialect's parser. Returns "" when
// nothing searchable remains.
func SanitizeQuery(q string) string {
	q = ftsSpecialPattern.ReplaceAllString(q, " ")

	fields := strings.Fields(q)
	kept := fields[:0]
	for _, f := range fields {
		if _, op := ftsOperators[f]; op {
			continue
		}
		kept = append(kept, f)
	}

	return whitespacePattern.ReplaceAllString(strings.Join(kept, " "), " ")
}

// QueryTerms splits a sanitized query into bare alphanumeric terms,
// capped at maxSearchTerms. Search matches rows containing any term.
func QueryTerms(q string) []string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) > maxSearchTerms {
		fields = fields[:maxSearchTerms]
	}
	return fields
}

// QuoteFTSTokens renders terms as a quoted OR expression for FTS5
// MATCH, which would otherwise interpret bare tokens with embedded
// syntax.
func QuoteFTSTokens(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// EscapeLike escapes LIKE wildcards using ! as the escape character,
// which needs no dialect-specific escaping of its own.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, "!", "!!")
	s = strings.ReplaceAll(s, "%", "!%")
	s = strings.ReplaceAll(s, "_", "!_")
	return s
}
