package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// MCPCmd serves the memory tools over MCP stdio. Logging goes to
// stderr; stdout carries the protocol stream.
type MCPCmd struct{}

func (c *MCPCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	mem, err := cli.openMemori(ctx)
	if err != nil {
		return err
	}
	defer mem.Close()

	// Start the promotion worker and conscious ingest so the memory
	// stays maintained while the server runs.
	if err := mem.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable memory: %w", err)
	}

	srv, err := mem.MCPServer()
	if err != nil {
		return err
	}

	slog.Info("serving memory tools over MCP stdio",
		"namespace", mem.Config().Namespace,
		"database", mem.Orchestrator().Store().Engine().Dialect())

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server stopped: %w", err)
	}
	return nil
}
