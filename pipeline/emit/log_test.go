package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{RunID: "run-1", Step: 2, NodeID: "greet", Msg: "node_start"})
	e.Emit(Event{RunID: "run-1", Step: 2, NodeID: "greet", Msg: "node_end", Meta: map[string]interface{}{"duration_ms": 3}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if lines[0] != "[node_start] runID=run-1 step=2 nodeID=greet" {
		t.Errorf("text line = %q", lines[0])
	}
	if !strings.Contains(lines[1], `meta={"duration_ms":3}`) {
		t.Errorf("meta missing: %q", lines[1])
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{RunID: "run-1", Step: 1, NodeID: "greet", Msg: "node_start", Meta: map[string]interface{}{"node_kind": "generate"}})

	var decoded struct {
		RunID  string                 `json:"runID"`
		Step   int                    `json:"step"`
		NodeID string                 `json:"nodeID"`
		Msg    string                 `json:"msg"`
		Meta   map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not one JSON line: %v (%q)", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Step != 1 || decoded.Msg != "node_start" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["node_kind"] != "generate" {
		t.Errorf("meta = %v", decoded.Meta)
	}
}
