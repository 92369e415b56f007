package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatgraph/chatgraph-go/pipeline/history"
	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// assistantNode resolves a pre-configured assistant resource and answers
// with its instructions and provider.
//
// Deprecated: assistant nodes exist for graphs authored before generate
// nodes subsumed them. They are kept working but not extended; new
// graphs should use a generate node with an explicit prompt.
type assistantNode struct {
	baseNode
	assistantID int64
}

func newAssistantNode(def NodeDef) (Node, error) {
	assistantID := int64Param(def.Data.Params, "assistant_id")
	if assistantID == 0 {
		return nil, &BuildError{NodeID: def.ID, Message: "assistant node requires assistant_id"}
	}
	return &assistantNode{baseNode: baseNode{id: def.ID}, assistantID: assistantID}, nil
}

func (n *assistantNode) Kind() string { return KindAssistant }

func (n *assistantNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	assistant, err := n.repo().GetAssistant(ctx, n.assistantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &BuildError{NodeID: n.id, Message: fmt.Sprintf("assistant %d not found", n.assistantID), Cause: err}
		}
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to resolve assistant", Cause: err}
	}

	svc, err := n.repo().GetChatService(ctx, assistant.ProviderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &BuildError{NodeID: n.id, Message: fmt.Sprintf("provider %d not found for assistant %q", assistant.ProviderID, assistant.Name), Cause: err}
		}
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to resolve chat service", Cause: err}
	}

	hist := history.NewService(n.repo(), svc)
	prior, err := hist.LoadGlobal(ctx, state.Session.ID)
	if err != nil {
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to load history", Cause: err}
	}

	msgs := []model.Message{{Role: model.RoleSystem, Content: assistant.Instructions}}
	msgs = append(msgs, prior...)
	msgs = append(msgs, state.Messages...)

	out, err := svc.Chat(ctx, msgs, nil)
	if err != nil {
		state.Outputs[n.id] = Output{Text: defaultErrorText}
		state.Messages = append(state.Messages, model.Message{Role: model.RoleAssistant, Content: defaultErrorText})
		return state, nil
	}

	state.Outputs[n.id] = Output{Text: out.Text}
	state.Messages = append(state.Messages, model.Message{Role: model.RoleAssistant, Content: out.Text})

	if _, err := hist.AppendGlobal(ctx, state.Session.ID, state.LastUserMessage(), out.Text); err != nil {
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to append history", Cause: err}
	}
	return state, nil
}
