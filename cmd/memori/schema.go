package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/memorihq/memori/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs. Output is
// written to stdout so it can be redirected or piped into editors that
// support schema-assisted YAML editing.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Disallow additional properties for strict validation
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref)
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://memorihq.github.io/memori/schemas/config.json"
	schema.Title = "Memori Configuration Schema"
	schema.Description = "Configuration schema for the Memori persistent memory layer"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"database_connect": "sqlite:///memori.db",
			"namespace":        "support_bot",
			"conscious_ingest": true,
			"auto_ingest":      false,
			"provider":         "openai",
			"model":            "gpt-4o-mini",
			"api_key":          "${OPENAI_API_KEY}",
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
