package pipeline

import (
	"encoding/json"
	"fmt"
)

// Definition is the serialized graph document produced by the authoring
// layer. The engine only reads it; position and viewport are opaque
// pass-through data it never interprets.
type Definition struct {
	Nodes    []NodeDef       `json:"nodes"`
	Edges    []EdgeDef       `json:"edges"`
	Viewport json.RawMessage `json:"viewport,omitempty"`
}

// NodeDef describes one node instance in the authored graph.
type NodeDef struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position,omitempty"`
	Data     NodeData        `json:"data"`
}

// NodeData carries the node's kind and its kind-specific parameters.
// When Type is empty the outer NodeDef.Type is used.
type NodeData struct {
	Type   string                 `json:"type,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// kind resolves the effective node kind for a definition entry.
func (n NodeDef) kind() string {
	if n.Data.Type != "" {
		return n.Data.Type
	}
	return n.Type
}

// EdgeDef describes one directed edge. SourceHandle is the label a router
// matches its computed route against; non-router nodes ignore handles.
type EdgeDef struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// ParseDefinition decodes a JSON graph document.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("invalid pipeline definition: %w", err)
	}
	return def, nil
}
