package pipeline

import (
	"context"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// startNode marks graph entry. It seeds the state with the inbound user
// message and does nothing else.
type startNode struct {
	baseNode
}

func newStartNode(def NodeDef) (Node, error) {
	return &startNode{baseNode: baseNode{id: def.ID}}, nil
}

func (n *startNode) Kind() string { return KindStart }

func (n *startNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	if state.Input != "" {
		state.Messages = append(state.Messages, model.Message{Role: model.RoleUser, Content: state.Input})
	}
	return state, nil
}

// endNode marks graph exit. It captures the run's terminal result into
// its own output slot: the newest assistant message, falling back to the
// output of its predecessor.
type endNode struct {
	baseNode
}

func newEndNode(def NodeDef) (Node, error) {
	return &endNode{baseNode: baseNode{id: def.ID}}, nil
}

func (n *endNode) Kind() string { return KindEnd }

func (n *endNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	text := state.LastAssistantMessage()
	if text == "" {
		for _, pred := range incoming {
			if out, ok := state.Outputs[pred]; ok && out.Text != "" {
				text = out.Text
			}
		}
	}
	state.Outputs[n.id] = Output{Text: text}
	return state, nil
}
