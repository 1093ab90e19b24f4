package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the memory tools over the Model Context Protocol,
// so MCP-speaking hosts get search, record and stats without linking
// this module.
type MCPServer struct {
	srv *server.MCPServer
}

// NewMCPServer wraps a toolbox in an MCP server. The reflected tool
// schemas are passed through as raw input schemas, so both surfaces
// advertise identical parameters.
func NewMCPServer(box *Toolbox, version string) (*MCPServer, error) {
	if box == nil {
		return nil, fmt.Errorf("toolbox is required")
	}

	srv := server.NewMCPServer("memori", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Persistent memory for this agent. Call memory_search before answering questions that depend on earlier conversations."),
	)

	for _, t := range box.Tools() {
		schema, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s schema: %w", t.Name, err)
		}
		srv.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), toolHandler(t))
	}

	return &MCPServer{srv: srv}, nil
}

// toolHandler adapts a Tool to the MCP call contract. Tool failures
// become protocol-level error results, not transport errors.
func toolHandler(t *Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Call(ctx, req.GetArguments())
		if err != nil {
			slog.Warn("mcp tool call failed", "tool", t.Name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Serve runs the stdio transport until the context is cancelled or
// the input stream closes.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.srv)
	return stdio.Listen(ctx, in, out)
}

// Server returns the underlying MCP server for hosts that mount their
// own transport.
func (s *MCPServer) Server() *server.MCPServer {
	return s.srv
}
