package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chatgraph/chatgraph-go/pipeline/emit"
	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

const testSession = "sess-1"

func seededRepo(responses ...model.ChatOut) (*repo.MemRepo, *model.MockChatModel) {
	r := repo.NewMemRepo()
	r.AddSession(testSession)
	mock := &model.MockChatModel{Responses: responses}
	r.AddProvider(repo.Provider{ID: 1, Kind: "mock", Model: "test"}, mock)
	return r, mock
}

func node(id, kind string, params map[string]interface{}) NodeDef {
	return NodeDef{ID: id, Type: kind, Data: NodeData{Type: kind, Params: params}}
}

func edge(id, source, handle, target string) EdgeDef {
	return EdgeDef{ID: id, Source: source, SourceHandle: handle, Target: target}
}

func TestRun_LinearGeneration(t *testing.T) {
	r, mock := seededRepo(model.ChatOut{Text: "Hi there!"})
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("answer", KindGenerate, map[string]interface{}{
				"provider_id":   float64(1),
				"prompt":        "Answer briefly",
				"history_scope": "global",
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "answer"),
			edge("e2", "answer", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "Hello", repo.SessionRef{ID: testSession, ParticipantID: "p-1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("expected status completed, got %q", res.Status)
	}
	if res.Message != "Hi there!" {
		t.Errorf("expected final message 'Hi there!', got %q", res.Message)
	}
	if got := res.State.Outputs["answer"].Text; got != "Hi there!" {
		t.Errorf("expected outputs[answer] = 'Hi there!', got %q", got)
	}

	var user, assistant bool
	for _, msg := range res.State.Messages {
		if msg.Role == model.RoleUser && msg.Content == "Hello" {
			user = true
		}
		if msg.Role == model.RoleAssistant && msg.Content == "Hi there!" {
			assistant = true
		}
	}
	if !user || !assistant {
		t.Errorf("expected both turns in state messages, got %+v", res.State.Messages)
	}

	turns, err := r.GetSessionMessages(context.Background(), testSession)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Human != "Hello" || turns[0].AI != "Hi there!" {
		t.Errorf("expected one global history turn Hello/Hi there!, got %+v", turns)
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 model call, got %d", mock.CallCount())
	}
}

func TestRun_RouterDefaultFallback(t *testing.T) {
	r, _ := seededRepo()
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("route", KindRouter, map[string]interface{}{
				"mode":    "predicate",
				"routes":  []interface{}{"yes", "no"},
				"default": "no",
				"keywords": map[string]interface{}{
					"yes": []interface{}{"yes"},
					"no":  []interface{}{"no"},
				},
			}),
			node("a", KindScript, map[string]interface{}{"code": `say("A")`}),
			node("b", KindScript, map[string]interface{}{"code": `say("B")`}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "route"),
			edge("e2", "route", "yes", "a"),
			edge("e3", "route", "no", "b"),
			edge("e4", "a", "", "end"),
			edge("e5", "b", "", "end"),
		},
	}

	exec := NewExecutor(r)
	// "maybe" matches no keyword: the default route must win.
	res, err := exec.Run(context.Background(), def, "maybe", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", res.Status)
	}
	if _, ok := res.State.Outputs["a"]; ok {
		t.Error("branch a executed despite unmatched route")
	}
	if got := res.State.Outputs["b"].Text; got != "B" {
		t.Errorf("expected default branch b output 'B', got %q", got)
	}
	if res.Message != "B" {
		t.Errorf("expected terminal message 'B', got %q", res.Message)
	}
}

func TestRun_AbortShortCircuit(t *testing.T) {
	r, mock := seededRepo(model.ChatOut{Text: "never"})
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("guard", KindScript, map[string]interface{}{
				"code": `abort("Sorry, I can't help with that", "policy")`,
			}),
			node("answer", KindGenerate, map[string]interface{}{"provider_id": float64(1)}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "guard"),
			edge("e2", "guard", "", "answer"),
			edge("e3", "answer", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "hi", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Status != StatusAborted {
		t.Fatalf("expected aborted, got %q", res.Status)
	}
	if res.Message != "Sorry, I can't help with that" || res.Tag != "policy" {
		t.Errorf("abort payload not carried verbatim: %q / %q", res.Message, res.Tag)
	}
	if _, ok := res.State.Outputs["answer"]; ok {
		t.Error("downstream node executed after abort")
	}
	if mock.CallCount() != 0 {
		t.Errorf("model called %d times after abort", mock.CallCount())
	}
}

func TestRun_Suspend(t *testing.T) {
	r, _ := seededRepo()
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("wait", KindScript, map[string]interface{}{
				"code": `say("what city?") suspend()`,
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "wait"),
			edge("e2", "wait", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "book a flight", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %q", res.Status)
	}
	if got := res.State.Outputs["wait"].Text; got != "what city?" {
		t.Errorf("expected pre-suspend output preserved, got %q", got)
	}
}

func TestRun_MissingCollectionIsBuildError(t *testing.T) {
	r, _ := seededRepo(model.ChatOut{Text: "x"})
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("answer", KindGenerate, map[string]interface{}{
				"provider_id":    float64(1),
				"collection_ids": []interface{}{float64(999)},
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "answer"),
			edge("e2", "answer", "", "end"),
		},
	}

	exec := NewExecutor(r)
	_, err := exec.Run(context.Background(), def, "hi", repo.SessionRef{ID: testSession})
	if err == nil {
		t.Fatal("expected error for unconfigured collection")
	}
	var build *BuildError
	if !errors.As(err, &build) {
		t.Fatalf("expected BuildError, got %T: %v", err, err)
	}
	if !strings.Contains(build.Message, "collection 999") {
		t.Errorf("error does not identify the missing collection: %v", build)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		t.Error("expected the lookup miss to remain unwrappable")
	}
}

func TestRun_RequireOutputsFailsFast(t *testing.T) {
	r, _ := seededRepo(model.ChatOut{Text: "x"})
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("answer", KindGenerate, map[string]interface{}{
				"provider_id":     float64(1),
				"require_outputs": []interface{}{"missing-node"},
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "answer"),
			edge("e2", "answer", "", "end"),
		},
	}

	exec := NewExecutor(r)
	_, err := exec.Run(context.Background(), def, "hi", repo.SessionRef{ID: testSession})
	var build *BuildError
	if !errors.As(err, &build) {
		t.Fatalf("expected BuildError, got %T: %v", err, err)
	}
	if !strings.Contains(build.Message, "missing-node") {
		t.Errorf("error does not name the missing upstream: %v", build)
	}
}

func TestRun_ParallelBranchIsolation(t *testing.T) {
	r, _ := seededRepo()
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("a", KindScript, map[string]interface{}{"code": `say("A") set_temp("from", "a")`}),
			node("b", KindScript, map[string]interface{}{"code": `
				if output("a") ~= "" then
					say("leaked")
				else
					say("B")
				end`}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "a"),
			edge("e2", "start", "", "b"),
			edge("e3", "a", "", "end"),
			edge("e4", "b", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "go", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := res.State.Outputs["a"].Text; got != "A" {
		t.Errorf("expected outputs[a] = 'A', got %q", got)
	}
	// b ran on an isolated snapshot: a's concurrent write must not be
	// visible to it.
	if got := res.State.Outputs["b"].Text; got != "B" {
		t.Errorf("expected outputs[b] = 'B' (isolated), got %q", got)
	}
	if got := res.State.Temp["from"]; got != "a" {
		t.Errorf("expected temp change merged back, got %q", got)
	}
}

func TestRun_ParallelBranchesMergeMessages(t *testing.T) {
	r, _ := seededRepo(model.ChatOut{Text: "alpha"})
	r.AddProvider(repo.Provider{ID: 2, Kind: "mock", Model: "test"},
		&model.MockChatModel{Responses: []model.ChatOut{{Text: "beta"}}})
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("a", KindGenerate, map[string]interface{}{"provider_id": float64(1)}),
			node("b", KindGenerate, map[string]interface{}{"provider_id": float64(2)}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "a"),
			edge("e2", "start", "", "b"),
			edge("e3", "a", "", "end"),
			edge("e4", "b", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "go", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := res.State.Outputs["a"].Text; got != "alpha" {
		t.Errorf("expected outputs[a] = 'alpha', got %q", got)
	}
	if got := res.State.Outputs["b"].Text; got != "beta" {
		t.Errorf("expected outputs[b] = 'beta', got %q", got)
	}
	// Assistant turns produced inside parallel branches must survive the
	// merge back into the shared state.
	seen := map[string]bool{}
	for _, msg := range res.State.Messages {
		if msg.Role == model.RoleAssistant {
			seen[msg.Content] = true
		}
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("assistant turns from parallel branches lost, got %+v", res.State.Messages)
	}
}

func TestRun_ParallelSuspendKeepsBranchState(t *testing.T) {
	r, _ := seededRepo()
	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("work", KindScript, map[string]interface{}{
				"code": `say("logged") set_temp("from", "work")`,
			}),
			node("wait", KindScript, map[string]interface{}{
				"code": `say("what city?") suspend()`,
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "work"),
			edge("e2", "start", "", "wait"),
			edge("e3", "work", "", "end"),
			edge("e4", "wait", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "book a flight", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %q", res.Status)
	}
	// The suspending branch ran up to its suspension point; its output
	// must be preserved exactly as in the single-node path.
	if got := res.State.Outputs["wait"].Text; got != "what city?" {
		t.Errorf("expected pre-suspend output preserved, got %q", got)
	}
	if got := res.State.Outputs["work"].Text; got != "logged" {
		t.Errorf("expected sibling branch output merged, got %q", got)
	}
	if got := res.State.Temp["from"]; got != "work" {
		t.Errorf("expected sibling branch temp merged, got %q", got)
	}
}

func TestRun_ModelFailureSubstitutesErrorText(t *testing.T) {
	r := repo.NewMemRepo()
	r.AddSession(testSession)
	r.AddProvider(repo.Provider{ID: 1, Kind: "mock"}, &model.MockChatModel{Err: errors.New("upstream 500")})

	def := Definition{
		Nodes: []NodeDef{
			node("start", KindStart, nil),
			node("answer", KindGenerate, map[string]interface{}{
				"provider_id": float64(1),
				"error_text":  "Please try again later.",
			}),
			node("end", KindEnd, nil),
		},
		Edges: []EdgeDef{
			edge("e1", "start", "", "answer"),
			edge("e2", "answer", "", "end"),
		},
	}

	exec := NewExecutor(r)
	res, err := exec.Run(context.Background(), def, "hi", repo.SessionRef{ID: testSession})
	if err != nil {
		t.Fatalf("model failure must not fail the run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected completed, got %q", res.Status)
	}
	if res.Message != "Please try again later." {
		t.Errorf("expected substituted error text, got %q", res.Message)
	}

	turns, _ := r.GetSessionMessages(context.Background(), testSession)
	if len(turns) != 0 {
		t.Errorf("failed exchange must not be persisted to history, got %+v", turns)
	}
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	r, _ := seededRepo(model.ChatOut{Text: "ok"})
	buf := emit.NewBufferedEmitter()
	def := Definition{
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

	exec := NewExecutor(r, WithEmitter(buf))
	if _, err := exec.Run(context.Background(), def, "hi", repo.SessionRef{ID: testSession}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runIDs := buf.RunIDs()
	if len(runIDs) != 1 {
		t.Fatalf("expected events from exactly one run, got %d", len(runIDs))
	}

	events := buf.GetHistory(runIDs[0])
	if len(events) == 0 || events[0].Msg != "pipeline_start" {
		t.Fatal("expected leading pipeline_start event")
	}
	var starts, ends int
	for _, ev := range events {
		switch ev.Msg {
		case "node_start":
			starts++
		case "node_end":
			ends++
		}
	}
	if starts != 3 || ends != 3 {
		t.Errorf("expected 3 node_start/node_end pairs, got %d/%d", starts, ends)
	}
	if events[len(events)-1].Msg != "pipeline_complete" {
		t.Errorf("expected trailing pipeline_complete, got %q", events[len(events)-1].Msg)
	}
}
