package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chatgraph/chatgraph-go/pipeline/history"
	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
	"github.com/chatgraph/chatgraph-go/pipeline/tool"
)

// maxToolRounds bounds the tool-call loop of one generation turn.
const maxToolRounds = 4

const defaultErrorText = "Sorry, I ran into a problem generating a response. Please try again."

// generateNode is the response-generation variant. It resolves a chat
// service via the repository, builds a prompt from its template plus
// resolved context (source material, collection summaries, history),
// optionally binds the collection-search tool, invokes the model and
// writes the result to its output slot.
//
// A model failure does not fail the run: the node substitutes a
// user-visible error text instead. Lookup misses, by contrast, are
// configuration problems and surface as build errors.
type generateNode struct {
	baseNode
	providerID   int64
	prompt       string
	materialIDs  []int64
	collections  []int64
	requires     []string
	errorText    string
	historyScope string // "", "none", "ephemeral", "global", "scoped"
	historyType  string
	historyName  string
	mode         history.Mode
}

func newGenerateNode(def NodeDef) (Node, error) {
	p := def.Data.Params
	providerID := int64Param(p, "provider_id")
	if providerID == 0 {
		return nil, &BuildError{NodeID: def.ID, Message: "generate node requires provider_id"}
	}
	errorText := stringParam(p, "error_text")
	if errorText == "" {
		errorText = defaultErrorText
	}
	return &generateNode{
		baseNode:     baseNode{id: def.ID},
		providerID:   providerID,
		prompt:       stringParam(p, "prompt"),
		materialIDs:  int64SliceParam(p, "source_material_ids"),
		collections:  int64SliceParam(p, "collection_ids"),
		requires:     stringSliceParam(p, "require_outputs"),
		errorText:    errorText,
		historyScope: stringParam(p, "history_scope"),
		historyType:  stringParam(p, "history_type"),
		historyName:  stringParam(p, "history_name"),
		mode:         parseHistoryMode(p),
	}, nil
}

// parseHistoryMode maps the authored mode params onto a history.Mode.
func parseHistoryMode(p map[string]interface{}) history.Mode {
	bound := intParam(p, "history_bound")
	switch stringParam(p, "history_mode") {
	case "keep_last_n":
		return history.KeepLastN(bound)
	case "summarize_over":
		return history.SummarizeOver(bound)
	default:
		return history.KeepAll()
	}
}

func (n *generateNode) Kind() string { return KindGenerate }

func (n *generateNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	if missing := missingOutputs(state, n.requires); len(missing) > 0 {
		return nil, &RequireOutputs{NodeIDs: missing}
	}

	svc, err := n.repo().GetChatService(ctx, n.providerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &BuildError{NodeID: n.id, Message: fmt.Sprintf("provider %d not found", n.providerID), Cause: err}
		}
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to resolve chat service", Cause: err}
	}

	hist := history.NewService(n.repo(), svc)

	system, err := n.buildSystemPrompt(ctx, state)
	if err != nil {
		return nil, err
	}

	msgs := []model.Message{{Role: model.RoleSystem, Content: system}}
	var scope repo.ScopedHistory
	switch n.historyScope {
	case "global":
		prior, err := hist.LoadGlobal(ctx, state.Session.ID)
		if err != nil {
			return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load history", Cause: err}
		}
		msgs = append(msgs, prior...)
	case "scoped":
		var prior []model.Message
		prior, scope, err = hist.LoadScoped(ctx, state.Session.ID, n.historyType, n.historyName)
		if err != nil {
			return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load scoped history", Cause: err}
		}
		msgs = append(msgs, prior...)
	}
	msgs = append(msgs, state.Messages...)

	var tools []tool.Tool
	if len(n.collections) > 0 {
		tools = append(tools, &tool.CollectionSearch{Repo: n.repo(), CollectionIDs: n.collections})
	}

	text, callErr := n.converse(ctx, svc, msgs, tools, state)
	if callErr != nil {
		// External model failure: substitute a user-visible error text
		// rather than failing the run.
		text = n.errorText
	}

	state.Outputs[n.id] = Output{Text: text}
	state.Messages = append(state.Messages, model.Message{Role: model.RoleAssistant, Content: text})

	if callErr == nil {
		if err := n.persistHistory(ctx, hist, state, scope, text); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// converse runs the model call plus a bounded tool loop. Tool results
// are fed back as user messages until the model answers with plain text.
func (n *generateNode) converse(ctx context.Context, svc model.ChatModel, msgs []model.Message, tools []tool.Tool, state *State) (string, error) {
	specs := tool.Specs(tools)
	for round := 0; round < maxToolRounds; round++ {
		out, err := svc.Chat(ctx, msgs, specs)
		if err != nil {
			return "", err
		}
		if len(out.ToolCalls) == 0 {
			return out.Text, nil
		}

		if out.Text != "" {
			msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: out.Text})
		}
		for _, call := range out.ToolCalls {
			result := n.invokeTool(ctx, tools, call, state)
			msgs = append(msgs, model.Message{
				Role:    model.RoleUser,
				Content: fmt.Sprintf("Tool %s returned: %s", call.Name, result),
			})
		}
	}
	return "", fmt.Errorf("model did not settle within %d tool rounds", maxToolRounds)
}

// invokeTool executes one tool call and renders its result for the
// model. Tool failures are reported back to the model as text, not
// raised: the model decides how to proceed.
func (n *generateNode) invokeTool(ctx context.Context, tools []tool.Tool, call model.ToolCall, state *State) string {
	t := tool.ByName(tools, call.Name)
	if t == nil {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	result, err := t.Call(ctx, call.Input)
	if err != nil {
		return "error: " + err.Error()
	}
	n.attachToolFiles(ctx, result, state)
	rendered, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(rendered)
}

// attachToolFiles persists any files a tool produced and links them to
// the session. Attachment failures are deliberately non-fatal to the
// generation turn.
func (n *generateNode) attachToolFiles(ctx context.Context, result map[string]interface{}, state *State) {
	raw, ok := result["files"].([]interface{})
	if !ok {
		return
	}
	var ids []string
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		contentType, _ := entry["content_type"].(string)
		data, _ := entry["data"].(string)
		f, err := n.repo().CreateFile(ctx, repo.File{
			ID:          uuid.NewString(),
			Name:        name,
			ContentType: contentType,
			Data:        []byte(data),
		})
		if err != nil {
			continue
		}
		ids = append(ids, f.ID)
	}
	if len(ids) > 0 {
		_ = n.repo().AttachFilesToSession(ctx, state.Session.ID, ids)
	}
}

// buildSystemPrompt renders the template and appends resolved context.
func (n *generateNode) buildSystemPrompt(ctx context.Context, state *State) (string, error) {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(n.prompt, "{input}", state.LastUserMessage()))

	for _, id := range n.materialIDs {
		material, err := n.repo().GetSourceMaterial(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", &BuildError{NodeID: n.id, Message: fmt.Sprintf("source material %d not found", id), Cause: err}
			}
			return "", &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load source material", Cause: err}
		}
		fmt.Fprintf(&b, "\n\n## %s\n%s", material.Name, material.Content)
	}

	for _, id := range n.collections {
		coll, err := n.repo().GetCollection(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", &BuildError{NodeID: n.id, Message: fmt.Sprintf("collection %d not found", id), Cause: err}
			}
			return "", &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load collection", Cause: err}
		}
		files, err := n.repo().GetCollectionIndexSummaries(ctx, id)
		if err != nil {
			return "", &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load collection index", Cause: err}
		}
		fmt.Fprintf(&b, "\n\nAvailable documents in %q:", coll.Name)
		for _, f := range files {
			fmt.Fprintf(&b, "\n- %s: %s", f.Name, f.Summary)
		}
	}
	return b.String(), nil
}

// persistHistory records the completed exchange on the configured scope
// and re-checks compression.
func (n *generateNode) persistHistory(ctx context.Context, hist *history.Service, state *State, scope repo.ScopedHistory, text string) error {
	input := state.LastUserMessage()
	switch n.historyScope {
	case "global":
		if _, err := hist.AppendGlobal(ctx, state.Session.ID, input, text); err != nil {
			return &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to append history", Cause: err}
		}
		compressed, err := hist.CheckpointGlobal(ctx, state.Session.ID, n.mode)
		if err != nil {
			return &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to checkpoint history", Cause: err}
		}
		if compressed {
			n.metrics().RecordCompression(n.mode.Key())
		}
	case "scoped":
		if _, err := hist.AppendScoped(ctx, scope.ID, input, text); err != nil {
			return &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to append scoped history", Cause: err}
		}
		compressed, err := hist.CheckpointScoped(ctx, scope, n.mode)
		if err != nil {
			return &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to checkpoint scoped history", Cause: err}
		}
		if compressed {
			n.metrics().RecordCompression(n.mode.Key())
		}
	}
	return nil
}

// missingOutputs returns the required node ids absent from state.Outputs.
func missingOutputs(state *State, required []string) []string {
	var missing []string
	for _, id := range required {
		if _, ok := state.Outputs[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
