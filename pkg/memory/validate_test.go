package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain text", input: "User prefers Go for services", want: "User prefers Go for services"},
		{name: "empty", input: "", want: ""},
		{name: "html escaped", input: "use <b>bold</b> & more", want: "use &lt;b&gt;bold&lt;/b&gt; &amp; more"},
		{name: "cli flags survive", input: "run with --verbose and -n 10", want: "run with --verbose and -n 10"},
		{name: "sql keywords in prose survive", input: "we should select a new database table design", want: "we should select a new database table design"},
		{name: "classic or injection", input: "admin' OR '1'='1", wantErr: true},
		{name: "stacked drop", input: "x'; DROP TABLE users; --", wantErr: true},
		{name: "union select", input: "1 UNION SELECT password FROM users", wantErr: true},
		{name: "union all select", input: "1 union all select * from secrets", wantErr: true},
		{name: "script tag", input: "hello <script>alert(1)</script>", wantErr: true},
		{name: "javascript url", input: "click javascript:alert(1)", wantErr: true},
		{name: "event handler", input: `<img onerror=alert(1)>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeText(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrSecurity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("default"))
	assert.NoError(t, ValidateNamespace("team_alpha_2"))

	assert.Error(t, ValidateNamespace(""))
	assert.Error(t, ValidateNamespace("has space"))
	assert.Error(t, ValidateNamespace("has-dash"))
	assert.Error(t, ValidateNamespace("semi;colon"))
	assert.Error(t, ValidateNamespace(strings.Repeat("x", 65)))
}

func TestMarshalProcessedRejectsOversized(t *testing.T) {
	p := testProcessed(strings.Repeat("a", MaxProcessedJSONBytes+1), "big")
	_, err := marshalProcessed(p)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeds")
}

func TestMarshalProcessedClampsAndValidates(t *testing.T) {
	p := testProcessed("content", "summary")
	p.ImportanceScore = 3.0
	p.Entities = map[string][]string{"planets": {"Mars"}}

	data, err := marshalProcessed(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"importance_score":1`)
	assert.NotContains(t, string(data), "planets")

	bad := testProcessed("", "summary")
	_, err = marshalProcessed(bad)
	assert.Error(t, err)
}
