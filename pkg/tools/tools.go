// Package tools exposes the memory layer to LLM function calling and
// to MCP hosts. Each tool is a provider-neutral definition (name,
// description, JSON schema reflected from a typed args struct) plus an
// executor over the orchestrator; the same definitions back the MCP
// stdio server.
package tools

import (
	"context"
	"fmt"

	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/retrieval"
)

// Memory is the slice of the orchestrator the tools need.
type Memory interface {
	SearchMemories(ctx context.Context, query string, limit int) ([]*retrieval.RankedMemory, error)
	Record(ctx context.Context, response any, userInput, providerName, model string, meta map[string]any) error
	Stats(ctx context.Context) (*memory.Stats, error)
	Namespace() string
}

// Tool is one callable memory operation. Schema is a JSON Schema
// object ({type, properties, required}) in the shape OpenAI and
// Anthropic function declarations accept. Results are JSON strings,
// ready to hand back to the model.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any

	run func(ctx context.Context, args map[string]any) (string, error)
}

// Call executes the tool with raw function-call arguments.
func (t *Tool) Call(ctx context.Context, args map[string]any) (string, error) {
	return t.run(ctx, args)
}

// Toolbox holds the memory tools and dispatches calls by name.
type Toolbox struct {
	tools  []*Tool
	byName map[string]*Tool
}

// NewToolbox builds the full tool set over one memory instance.
func NewToolbox(mem Memory) (*Toolbox, error) {
	if mem == nil {
		return nil, fmt.Errorf("memory is required")
	}

	search, err := NewSearchTool(mem)
	if err != nil {
		return nil, err
	}
	record, err := NewRecordTool(mem)
	if err != nil {
		return nil, err
	}
	stats, err := NewStatsTool(mem)
	if err != nil {
		return nil, err
	}

	box := &Toolbox{byName: make(map[string]*Tool)}
	for _, t := range []*Tool{search, record, stats} {
		box.tools = append(box.tools, t)
		box.byName[t.Name] = t
	}
	return box, nil
}

// Tools returns the definitions in registration order.
func (b *Toolbox) Tools() []*Tool {
	out := make([]*Tool, len(b.tools))
	copy(out, b.tools)
	return out
}

// Call dispatches a function call to the named tool.
func (b *Toolbox) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := b.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return t.Call(ctx, args)
}
