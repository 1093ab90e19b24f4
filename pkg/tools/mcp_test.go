package tools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestMCPServerExposesToolbox(t *testing.T) {
	box, err := NewToolbox(&fakeMemory{results: rankedFixture(), namespace: "default"})
	require.NoError(t, err)

	srv, err := NewMCPServer(box, "0.1.0")
	require.NoError(t, err)
	assert.NotNil(t, srv.Server())

	_, err = NewMCPServer(nil, "0.1.0")
	require.Error(t, err)
}

func TestMCPToolHandlerReturnsText(t *testing.T) {
	fake := &fakeMemory{results: rankedFixture(), namespace: "default"}
	tool, err := NewSearchTool(fake)
	require.NoError(t, err)

	handler := toolHandler(tool)
	res, err := handler(context.Background(), callRequest("memory_search", map[string]any{
		"query": "favorite language",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "mem-1")
	assert.Contains(t, text, "favorite language")
}

func TestMCPToolHandlerReportsToolErrors(t *testing.T) {
	tool, err := NewSearchTool(&fakeMemory{})
	require.NoError(t, err)

	handler := toolHandler(tool)
	res, err := handler(context.Background(), callRequest("memory_search", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "query is required")
}

func TestMCPRecordHandler(t *testing.T) {
	fake := &fakeMemory{namespace: "default"}
	tool, err := NewRecordTool(fake)
	require.NoError(t, err)

	handler := toolHandler(tool)
	res, err := handler(context.Background(), callRequest("memory_record", map[string]any{
		"user_input": "I work at Acme",
		"ai_output":  "Noted.",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, fake.recorded, 1)
	assert.Contains(t, resultText(t, res), `"recorded": true`)
}
