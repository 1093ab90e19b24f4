// Command memori is the CLI for the memori memory layer.
//
// Usage:
//
//	memori init --database sqlite:///memori.db
//	memori stats --config memori.yaml
//	memori search "favorite language" --limit 10
//	memori mcp
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/memorihq/memori"
	"github.com/memorihq/memori/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON schema."`
	Init     InitCmd     `cmd:"" help:"Open the database and install the memory schema."`
	Stats    StatsCmd    `cmd:"" help:"Show namespace statistics."`
	Search   SearchCmd   `cmd:"" help:"Search stored memories."`
	Recent   RecentCmd   `cmd:"" help:"List recently stored memories."`
	Reap     ReapCmd     `cmd:"" help:"Delete expired short-term memories."`
	Promote  PromoteCmd  `cmd:"" help:"Run one promotion cycle now."`
	Ingest   IngestCmd   `cmd:"" help:"Rebuild the conscious context now."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve the memory tools over MCP stdio."`

	Config    string `short:"c" help:"Path to config file (default: MEMORI_* environment)." type:"path"`
	Database  string `short:"d" help:"Override the database connection URL."`
	Namespace string `short:"n" help:"Override the configured namespace."`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFile   string `name:"log-file" help:"Log file path (empty = stderr)."`
}

/// loadConfig resolves the configuration: the config file when given,
// otherwise MEMORI_* environment variables. CLI flags override both.
func (cli *CLI) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	if cli.Database != "" {
		cfg.DatabaseConnect = cli.Database
	}
	if cli.Namespace != "" {
		cfg.Namespace = cli.Namespace
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Logging.File = cli.LogFile
	}
	return cfg, nil
}

// openMemori builds the full instance; New re-validates the overridden
// config.
func (cli *CLI) openMemori(ctx context.Context) (*memori.Memori, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	return memori.New(ctx, cfg)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(memori.GetVersion().String())
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("memori"),
		kong.Description("Memori - persistent memory layer for LLM agents"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
