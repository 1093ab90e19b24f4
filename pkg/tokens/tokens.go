// Package tokens provides token counting for chat records and prompt
// truncation. Counts come from tiktoken when the model's encoding is
// available and fall back to a character heuristic when it is not, so
// recording never fails on an offline host.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const heuristicCharsPerToken = 4

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter returns a counter for the model. Unknown models approximate
// with cl100k_base; if no encoding can be loaded at all the counter
// degrades to the character heuristic.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Counter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}
}

// Heuristic returns a counter that always uses the character heuristic.
func Heuristic() *Counter {
	return &Counter{model: "heuristic"}
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountExchange counts the tokens of one user/assistant turn, including
// the per-message role overhead of the chat format.
func (c *Counter) CountExchange(userInput, aiOutput string) int {
	// 3 tokens of framing per message plus 3 for reply priming.
	const perMessage = 3
	return perMessage + c.Count("user") + c.Count(userInput) +
		perMessage + c.Count("assistant") + c.Count(aiOutput) + 3
}

// TruncateMiddle shortens text to roughly maxTokens by keeping the head
// and tail and dropping the middle. Classification cares most about how a
// conversation opens and closes; the middle is the safest part to lose.
func (c *Counter) TruncateMiddle(text string, maxTokens int, marker string) string {
	if maxTokens <= 0 || c.Count(text) <= maxTokens {
		return text
	}

	if c != nil && c.encoding != nil {
		ids := c.encoding.Encode(text, nil, nil)
		keep := maxTokens / 2
		if keep < 1 {
			keep = 1
		}
		head := c.encoding.Decode(ids[:keep])
		tail := c.encoding.Decode(ids[len(ids)-keep:])
		return head + marker + tail
	}

	runes := []rune(text)
	keep := maxTokens * heuristicCharsPerToken / 2
	if keep < 1 {
		keep = 1
	}
	if keep*2 >= len(runes) {
		return text
	}
	return string(runes[:keep]) + marker + string(runes[len(runes)-keep:])
}

// Model returns the model name this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate is the rough fallback: 4 characters per token, with a floor of
// one token for non-empty text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / heuristicCharsPerToken
	if n == 0 && strings.TrimSpace(text) != "" {
		n = 1
	}
	return n
}
