package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "short_word_floors_to_one", text: "hi", want: 1},
		{name: "whitespace_only", text: "   ", want: 0},
		{name: "sentence", text: strings.Repeat("a", 40), want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestHeuristicCounter_Count(t *testing.T) {
	counter := Heuristic()

	text := strings.Repeat("word ", 20)
	if got, want := counter.Count(text), Estimate(text); got != want {
		t.Errorf("Count() = %d, want heuristic %d", got, want)
	}
}

func TestCounter_CountExchange(t *testing.T) {
	counter := Heuristic()

	empty := counter.CountExchange("", "")
	loaded := counter.CountExchange("I prefer PostgreSQL for new projects", "Noted, PostgreSQL it is")

	if empty <= 0 {
		t.Errorf("CountExchange with empty strings = %d, want role overhead > 0", empty)
	}
	if loaded <= empty {
		t.Errorf("CountExchange with content = %d, want > overhead %d", loaded, empty)
	}
}

func TestCounter_TruncateMiddle(t *testing.T) {
	counter := Heuristic()
	marker := "\n...[truncated]...\n"

	t.Run("short_text_unchanged", func(t *testing.T) {
		text := "short message"
		if got := counter.TruncateMiddle(text, 100, marker); got != text {
			t.Errorf("TruncateMiddle() changed text that fits: %q", got)
		}
	})

	t.Run("long_text_keeps_head_and_tail", func(t *testing.T) {
		head := strings.Repeat("A", 400)
		tail := strings.Repeat("Z", 400)
		text := head + strings.Repeat("m", 4000) + tail

		got := counter.TruncateMiddle(text, 100, marker)
		if len(got) >= len(text) {
			t.Fatalf("TruncateMiddle() did not shorten: len %d >= %d", len(got), len(text))
		}
		if !strings.Contains(got, marker) {
			t.Error("TruncateMiddle() output missing marker")
		}
		if !strings.HasPrefix(got, "A") {
			t.Error("TruncateMiddle() lost the head")
		}
		if !strings.HasSuffix(got, "Z") {
			t.Error("TruncateMiddle() lost the tail")
		}
	})

	t.Run("zero_budget_unchanged", func(t *testing.T) {
		text := strings.Repeat("x", 1000)
		if got := counter.TruncateMiddle(text, 0, marker); got != text {
			t.Error("TruncateMiddle() with zero budget should return input")
		}
	})
}
