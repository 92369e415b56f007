package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

func TestState_CloneIsolation(t *testing.T) {
	orig := NewState("hello", repo.SessionRef{ID: testSession, ParticipantID: "p1"})
	orig.Messages = append(orig.Messages, model.Message{Role: model.RoleUser, Content: "hello"})
	orig.Outputs["a"] = Output{Text: "one", Data: map[string]interface{}{"k": "v"}}
	orig.Temp["x"] = "1"

	clone, err := orig.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	clone.Messages = append(clone.Messages, model.Message{Role: model.RoleAssistant, Content: "hi"})
	clone.Outputs["b"] = Output{Text: "two"}
	clone.Outputs["a"].Data["k"] = "mutated"
	clone.Temp["x"] = "2"

	if len(orig.Messages) != 1 {
		t.Errorf("original messages grew to %d", len(orig.Messages))
	}
	if _, ok := orig.Outputs["b"]; ok {
		t.Error("clone output leaked into original")
	}
	if orig.Outputs["a"].Data["k"] != "v" {
		t.Error("nested output data shared between clone and original")
	}
	if orig.Temp["x"] != "1" {
		t.Errorf("temp leaked: %q", orig.Temp["x"])
	}
	if clone.Session != orig.Session {
		t.Error("session ref should carry over")
	}
}

func TestState_CloneEmptyMaps(t *testing.T) {
	s := &State{Input: "hi"}
	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	clone.Outputs["n"] = Output{Text: "ok"}
	clone.Temp["k"] = "v"
}

func TestState_LastUserMessage(t *testing.T) {
	s := NewState("inbound", repo.SessionRef{ID: testSession})
	if got := s.LastUserMessage(); got != "inbound" {
		t.Errorf("fallback = %q, want input", got)
	}

	s.Messages = append(s.Messages,
		model.Message{Role: model.RoleUser, Content: "first"},
		model.Message{Role: model.RoleAssistant, Content: "reply"},
		model.Message{Role: model.RoleUser, Content: "second"},
	)
	if got := s.LastUserMessage(); got != "second" {
		t.Errorf("LastUserMessage = %q, want %q", got, "second")
	}
	if got := s.LastAssistantMessage(); got != "reply" {
		t.Errorf("LastAssistantMessage = %q, want %q", got, "reply")
	}
}

func TestSignals_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("node failed: %w", &AbortSignal{Message: "bye", Tag: "policy"})
	var abort *AbortSignal
	if !errors.As(wrapped, &abort) {
		t.Fatal("AbortSignal not detected through wrapping")
	}
	if abort.Message != "bye" || abort.Tag != "policy" {
		t.Errorf("payload lost: %+v", abort)
	}

	if !isFlowControl(&SuspendSignal{}) {
		t.Error("SuspendSignal should be flow control")
	}
	if !isFlowControl(&RequireOutputs{NodeIDs: []string{"a"}}) {
		t.Error("RequireOutputs should be flow control")
	}
	if isFlowControl(errors.New("plain failure")) {
		t.Error("plain errors are not flow control")
	}
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	build := &BuildError{NodeID: "g", Message: "provider 1 not found", Cause: cause}
	if !errors.Is(build, cause) {
		t.Error("BuildError should unwrap its cause")
	}

	nodeErr := &NodeError{NodeID: "g", Kind: KindGenerate, Message: "call failed", Cause: cause}
	if !errors.Is(nodeErr, cause) {
		t.Error("NodeError should unwrap its cause")
	}
}
