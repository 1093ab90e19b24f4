package retrieval

import (
	"strings"
	"unicode"
)

// maxQueryTerms caps the extracted search query so verbose inputs do
// not flood the full-text parser.
const maxQueryTerms = 12

// stopWords are dropped when extracting a search query from raw user
// input. Conversational filler carries no retrieval signal.
var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "again": {}, "all": {}, "also": {},
	"am": {}, "an": {}, "and": {}, "any": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "because": {}, "been": {}, "before": {}, "being": {}, "but": {},
	"by": {}, "can": {}, "could": {}, "did": {}, "do": {}, "does": {},
	"doing": {}, "for": {}, "from": {}, "get": {}, "give": {}, "had": {},
	"has": {}, "have": {}, "he": {}, "her": {}, "here": {}, "him": {},
	"his": {}, "how": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "its": {}, "just": {}, "know": {}, "let": {}, "like": {},
	"make": {}, "me": {}, "my": {}, "need": {}, "no": {}, "not": {},
	"now": {}, "of": {}, "on": {}, "or": {}, "our": {}, "out": {},
	"over": {}, "please": {}, "she": {}, "should": {}, "show": {}, "so": {},
	"some": {}, "tell": {}, "than": {}, "that": {}, "the": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"those": {}, "to": {}, "up": {}, "us": {}, "want": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "why": {}, "will": {}, "with": {}, "would": {}, "you": {},
	"your": {},
}

// ExtractQuery turns raw user input into a compact search query:
// lowercase, stop words and single-character tokens removed, capped at
// maxQueryTerms. An input of pure filler yields the empty string, which
// downstream search treats as a recency listing.
func ExtractQuery(input string) string {
	fields := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		terms = append(terms, f)
		if len(terms) == maxQueryTerms {
			break
		}
	}

	return strings.Join(terms, " ")
}
