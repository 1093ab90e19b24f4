package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// paramsSchema reflects a JSON schema from the args struct's tags.
// Required fields come from jsonschema:"required"; descriptions,
// defaults and bounds from the same tag.
func paramsSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}

	// Function declarations carry only the object shape.
	delete(out, "$schema")
	delete(out, "$id")
	delete(out, "additionalProperties")
	return out, nil
}

// decodeArgs converts raw function-call arguments into the typed args
// struct. The JSON round trip handles the numeric types providers
// send (float64 for every number).
func decodeArgs(args map[string]any, target any) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
