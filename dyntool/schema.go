package dyntool

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// CompileInputSchema validates that raw is a well-formed JSON Schema object
// at create/update time, before it is ever persisted or handed to the MCP
// capability. A tool with an invalid schema never reaches the registry.
func CompileInputSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("inputSchema: marshal: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("inputSchema: not a valid JSON Schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("inputSchema: resolve: %w", err)
	}
	return resolved, nil
}

// ValidateArgsAgainstSchema validates call arguments against a tool's
// declared inputSchema, when one is present. A nil schema accepts any args.
func ValidateArgsAgainstSchema(raw map[string]any, args map[string]any) error {
	resolved, err := CompileInputSchema(raw)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("arguments do not match inputSchema: %w", err)
	}
	return nil
}
