package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"

	"github.com/memorihq/memori/pkg/config"
)

// ErrSecurity marks input rejected by the write-path security filter.
var ErrSecurity = errors.New("input rejected by security policy")

// MaxProcessedJSONBytes caps the serialized processed-data record.
const MaxProcessedJSONBytes = 1 << 20

// Classic injection payload shapes. Parameters are always bound, so
// this is defense in depth on stored text, deliberately narrow to spare
// ordinary technical conversation.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)'\s*(or|and)\s+['\d]`),
	regexp.MustCompile(`(?i)'\s*;\s*(drop|delete|insert|update|select|alter)\b`),
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`),
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
}

// SanitizeText rejects injection-shaped input and HTML-escapes the
// rest. Every free-text field passes through here before hitting the
// database.
func SanitizeText(s string) (string, error) {
	for _, pattern := range securityPatterns {
		if pattern.MatchString(s) {
			return "", fmt.Errorf("%w: matched %q", ErrSecurity, pattern.String())
		}
	}
	return html.EscapeString(s), nil
}

// ValidateNamespace enforces the bare-identifier rule shared with the
// database layer.
func ValidateNamespace(namespace string) error {
	if err := config.ValidateIdentifier(namespace); err != nil {
		return fmt.Errorf("invalid namespace: %w", err)
	}
	return nil
}

// marshalProcessed clamps, validates and serializes a processed record,
// enforcing the size cap.
func marshalProcessed(p *ProcessedMemory) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("processed memory is required")
	}

	p.ClampScores()
	p.Entities = NormalizeEntities(p.Entities)
	if err := p.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processed memory: %w", err)
	}
	if len(data) > MaxProcessedJSONBytes {
		return nil, fmt.Errorf("processed memory exceeds %d bytes (got %d)", MaxProcessedJSONBytes, len(data))
	}
	return data, nil
}
