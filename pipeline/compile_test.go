package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func validDef() Definition {
	return Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("answer", KindGenerate, map[string]interface{}{"provider_id": float64(1)}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "answer"),
			edge("e2", "answer", "", "end"),
		},
	}
}

func TestCompile_Valid(t *testing.T) {
	p, err := Compile(validDef())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if p.StartID() != "start" || p.EndID() != "end" {
		t.Errorf("boundary ids wrong: %q / %q", p.StartID(), p.EndID())
	}
	if p.Node("answer") == nil {
		t.Error("compiled node missing")
	}
}

func TestCompile_Validation(t *testing.T) {
	routerParams := func(def string) map[string]interface{} {
		return map[string]interface{}{
			"mode":     "predicate",
			"routes":   []interface{}{"yes", "no"},
			"default":  def,
			"keywords": map[string]interface{}{},
		}
	}

	tests := []struct {
		name    string
		def     Definition
		wantMsg string
	}{
		{
			name:    "empty graph",
			def:     Definition{},
			wantMsg: "no nodes",
		},
		{
			name: "missing start",
			def: Definition{
				Nodes: []NodeDef{node("end", KindEnd, nil)},
			},
			wantMsg: "no start node",
		},
		{
			name: "missing end",
			def: Definition{
				Nodes: []NodeDef{node("start", KindStart, nil)},
			},
			wantMsg: "no end node",
		},
		{
			name: "duplicate node id",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("start", KindStart, nil),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "duplicate node id",
		},
		{
			name: "multiple start nodes",
			def: Definition{
				Nodes: []NodeDef{
					node("s1", KindStart, nil),
					node("s2", KindStart, nil),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "multiple start nodes",
		},
		{
			name: "dangling edge",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("end", KindEnd, nil),
				},
				Edges: []EdgeDef{edge("e1", "start", "", "ghost")},
			},
			wantMsg: "unknown target node",
		},
		{
			name: "unknown node kind",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("x", "teleport", nil),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "unknown node kind",
		},
		{
			name: "router without default",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("r", KindRouter, map[string]interface{}{"mode": "predicate"}),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "default route",
		},
		{
			name: "router default without matching edge",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("r", KindRouter, routerParams("no")),
					node("a", KindScript, map[string]interface{}{"code": `say("A")`}),
					node("end", KindEnd, nil),
				},
				Edges: []EdgeDef{
					edge("e1", "start", "", "r"),
					edge("e2", "r", "yes", "a"),
					edge("e3", "a", "", "end"),
				},
			},
			wantMsg: `default route "no"`,
		},
		{
			name: "duplicate outgoing handle",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("r", KindRouter, routerParams("yes")),
					node("a", KindScript, map[string]interface{}{"code": `say("A")`}),
					node("b", KindScript, map[string]interface{}{"code": `say("B")`}),
					node("end", KindEnd, nil),
				},
				Edges: []EdgeDef{
					edge("e1", "start", "", "r"),
					edge("e2", "r", "yes", "a"),
					edge("e3", "r", "yes", "b"),
					edge("e4", "a", "", "end"),
					edge("e5", "b", "", "end"),
				},
			},
			wantMsg: "duplicate outgoing handle",
		},
		{
			name: "start with incoming edge",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("a", KindScript, map[string]interface{}{"code": `say("A")`}),
					node("end", KindEnd, nil),
				},
				Edges: []EdgeDef{
					edge("e1", "start", "", "a"),
					edge("e2", "a", "", "start"),
				},
			},
			wantMsg: "start node must not have incoming",
		},
		{
			name: "cycle",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("a", KindScript, map[string]interface{}{"code": `say("A")`}),
					node("b", KindScript, map[string]interface{}{"code": `say("B")`}),
					node("end", KindEnd, nil),
				},
				Edges: []EdgeDef{
					edge("e1", "start", "", "a"),
					edge("e2", "a", "", "b"),
					edge("e3", "b", "", "a"),
					edge("e4", "b", "", "end"),
				},
			},
			wantMsg: "cycle",
		},
		{
			name: "script without code",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("s", KindScript, nil),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "requires code",
		},
		{
			name: "generate without provider",
			def: Definition{
				Nodes: []NodeDef{
					node("start", KindStart, nil),
					node("g", KindGenerate, nil),
					node("end", KindEnd, nil),
				},
			},
			wantMsg: "provider_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.def)
			if err == nil {
				t.Fatal("expected compile error")
			}
			var build *BuildError
			if !errors.As(err, &build) {
				t.Fatalf("expected BuildError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseDefinition(t *testing.T) {
	doc := `{
		"nodes": [
			{"id": "start", "type": "start", "position": {"x": 0, "y": 0}},
			{"id": "g", "type": "default", "data": {"type": "generate", "params": {"provider_id": 1}}},
			{"id": "end", "type": "end"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "g"},
			{"id": "e2", "source": "g", "target": "end"}
		],
		"viewport": {"zoom": 1}
	}`

	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition failed: %v", err)
	}
	if len(def.Nodes) != 3 || len(def.Edges) != 2 {
		t.Fatalf("unexpected shape: %d nodes, %d edges", len(def.Nodes), len(def.Edges))
	}
	if def.Nodes[1].kind() != KindGenerate {
		t.Errorf("data.type should win over outer type, got %q", def.Nodes[1].kind())
	}
	if _, err := Compile(def); err != nil {
		t.Errorf("parsed definition should compile: %v", err)
	}

	if _, err := ParseDefinition([]byte("{not json")); err == nil {
		t.Error("expected error for malformed document")
	}
}
