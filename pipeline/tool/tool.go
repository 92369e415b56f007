// Package tool defines executable tools that response-generation nodes can
// bind into model calls.
package tool

import (
	"context"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// Tool is an executable capability the model can invoke during a
// generation turn.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation
//   - Return structured output as map[string]interface{}
//   - Be idempotent when possible
type Tool interface {
	// Name returns the unique identifier for this tool. The name must
	// match the name in the spec handed to the model. Names are lowercase
	// with underscores, e.g. "search_collections".
	Name() string

	// Spec returns the declaration the model sees: name, description and
	// JSON Schema for the input parameters.
	Spec() model.ToolSpec

	// Call executes the tool with the provided input.
	//
	// The input structure matches the Schema in Spec(). Implementations
	// should check ctx.Err() before expensive operations and return
	// descriptive errors for invalid inputs.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Specs collects the model-facing declarations of a tool set.
func Specs(tools []Tool) []model.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]model.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = t.Spec()
	}
	return specs
}

// ByName finds a tool in a set by its name. Returns nil when absent.
func ByName(tools []Tool, name string) Tool {
	for _, t := range tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
