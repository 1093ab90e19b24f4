package tools

import (
	"context"
	"fmt"
)

// recordSource tags turns recorded through the tool surface.
const recordSource = "tool"

// RecordArgs are the memory_record parameters.
type RecordArgs struct {
	UserInput string `json:"user_input" jsonschema:"required,description=What the user said this turn"`
	AIOutput  string `json:"ai_output" jsonschema:"required,description=What the assistant answered"`
	Model     string `json:"model,omitempty" jsonschema:"description=Model that produced the answer"`
}

type recordOutput struct {
	Recorded  bool   `json:"recorded"`
	Namespace string `json:"namespace"`
}

// NewRecordTool builds memory_record: the manual ingestion path for
// hosts that manage their own LLM calls.
func NewRecordTool(mem Memory) (*Tool, error) {
	schema, err := paramsSchema[RecordArgs]()
	if err != nil {
		return nil, fmt.Errorf("failed to build memory_record schema: %w", err)
	}

	return &Tool{
		Name: "memory_record",
		Description: "Record one conversation turn into persistent memory. The turn is " +
			"classified and filed so future searches and sessions can recall it.",
		Schema: schema,
		run: func(ctx context.Context, args map[string]any) (string, error) {
			var params RecordArgs
			if err := decodeArgs(args, &params); err != nil {
				return "", err
			}
			if params.UserInput == "" && params.AIOutput == "" {
				return "", fmt.Errorf("user_input or ai_output is required")
			}

			if err := mem.Record(ctx, params.AIOutput, params.UserInput, recordSource, params.Model, nil); err != nil {
				return "", fmt.Errorf("failed to record turn: %w", err)
			}
			return encodeOutput(recordOutput{Recorded: true, Namespace: mem.Namespace()})
		},
	}, nil
}
