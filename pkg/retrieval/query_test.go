package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "strips filler", input: "Show me a decorator example.", want: "decorator example"},
		{name: "keeps content words", input: "My name is Alice and I work at Acme", want: "name alice work acme"},
		{name: "pure filler collapses to empty", input: "What is it?", want: ""},
		{name: "empty input", input: "", want: ""},
		{name: "punctuation splits tokens", input: "postgres/mysql, sqlite!", want: "postgres mysql sqlite"},
		{name: "single characters dropped", input: "a b c golang", want: "golang"},
		{name: "digits survive", input: "upgrade to go 1 22", want: "upgrade go 22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractQuery(tt.input))
		})
	}
}

func TestExtractQueryCapsTerms(t *testing.T) {
	words := []string{
		"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf",
		"hotel", "india", "juliett", "kilo", "lima", "mike", "november",
	}
	got := ExtractQuery(strings.Join(words, " "))
	assert.Len(t, strings.Fields(got), maxQueryTerms)
}
