package providers

import (
	"encoding/json"
	"strings"
)

// chatPayload is a loosely-decoded chat request body (OpenAI and
// Ollama share the messages shape). Unknown fields survive the round
// trip untouched so rewriting never drops host parameters.
type chatPayload struct {
	fields   map[string]json.RawMessage
	messages []json.RawMessage
}

func parseChatPayload(body []byte) (*chatPayload, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	p := &chatPayload{fields: fields}
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &p.messages); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *chatPayload) model() string {
	var m string
	if raw, ok := p.fields["model"]; ok {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// streamingDefault reports the request's stream flag, falling back to
// the backend's default when the field is absent or malformed.
func (p *chatPayload) streamingDefault(def bool) bool {
	raw, ok := p.fields["stream"]
	if !ok {
		return def
	}
	var s bool
	if err := json.Unmarshal(raw, &s); err != nil {
		return def
	}
	return s
}

// normalizedMessages flattens the payload into provider-neutral turns.
// Array-valued contents keep their text parts; images are dropped.
func (p *chatPayload) normalizedMessages() []Message {
	out := make([]Message, 0, len(p.messages))
	for _, raw := range p.messages {
		var msg struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		out = append(out, Message{Role: msg.Role, Content: textContent(msg.Content)})
	}
	return out
}

// injectSystem places the context block at the front of the message
// array, merging into an existing leading system message when its
// content is plain text.
func (p *chatPayload) injectSystem(contextBlock string) error {
	if len(p.messages) > 0 {
		var first struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		var text string
		if err := json.Unmarshal(p.messages[0], &first); err == nil &&
			first.Role == RoleSystem && json.Unmarshal(first.Content, &text) == nil {
			merged := map[string]json.RawMessage{}
			if err := json.Unmarshal(p.messages[0], &merged); err != nil {
				return err
			}
			content, err := json.Marshal(contextBlock + "\n\n" + text)
			if err != nil {
				return err
			}
			merged["content"] = content
			replaced, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			p.messages[0] = replaced
			return nil
		}
	}

	injected, err := json.Marshal(Message{Role: RoleSystem, Content: contextBlock})
	if err != nil {
		return err
	}
	p.messages = append([]json.RawMessage{injected}, p.messages...)
	return nil
}

// encode rebuilds the request body with the current message array.
func (p *chatPayload) encode() ([]byte, error) {
	msgs, err := json.Marshal(p.messages)
	if err != nil {
		return nil, err
	}
	p.fields["messages"] = msgs
	return json.Marshal(p.fields)
}

// textContent extracts plain text from a string or content-part array.
func textContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
