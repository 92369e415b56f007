package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// routerNode selects exactly one outgoing edge by matching the computed
// route key against the edges' source handles.
//
// Two classification modes:
//   - predicate: keyword matching over the latest user message; routes
//     are evaluated in their declared order, first match wins.
//   - classify: a model call labels the message with one of the declared
//     routes.
//
// A result matching no declared route falls back to the designated
// default. The default's existence is validated at compile time.
type routerNode struct {
	baseNode
	mode         string
	routes       []string            // declared handles, in evaluation order
	keywords     map[string][]string // predicate mode: handle -> trigger words
	providerID   int64               // classify mode
	instruction  string              // classify mode, optional extra guidance
	defaultRoute string
}

func newRouterNode(def NodeDef) (Node, error) {
	p := def.Data.Params
	defaultRoute := stringParam(p, "default")
	if defaultRoute == "" {
		return nil, &BuildError{NodeID: def.ID, Message: "router node requires a default route"}
	}
	mode := stringParam(p, "mode")
	if mode == "" {
		mode = "predicate"
	}

	n := &routerNode{
		baseNode:     baseNode{id: def.ID},
		mode:         mode,
		routes:       stringSliceParam(p, "routes"),
		providerID:   int64Param(p, "provider_id"),
		instruction:  stringParam(p, "instruction"),
		defaultRoute: defaultRoute,
	}

	switch mode {
	case "predicate":
		n.keywords = make(map[string][]string)
		raw, _ := p["keywords"].(map[string]interface{})
		for handle, words := range raw {
			list, ok := words.([]interface{})
			if !ok {
				continue
			}
			for _, w := range list {
				if s, ok := w.(string); ok {
					n.keywords[handle] = append(n.keywords[handle], strings.ToLower(s))
				}
			}
		}
	case "classify":
		if n.providerID == 0 {
			return nil, &BuildError{NodeID: def.ID, Message: "classify router requires provider_id"}
		}
		if len(n.routes) == 0 {
			return nil, &BuildError{NodeID: def.ID, Message: "classify router requires routes"}
		}
	default:
		return nil, &BuildError{NodeID: def.ID, Message: fmt.Sprintf("unknown router mode %q", mode)}
	}
	return n, nil
}

func (n *routerNode) Kind() string { return KindRouter }

// Process is a no-op; routing happens in SelectRoute.
func (n *routerNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	return state, nil
}

// DefaultRoute implements router.
func (n *routerNode) DefaultRoute() string { return n.defaultRoute }

// SelectRoute implements router.
func (n *routerNode) SelectRoute(ctx context.Context, state *State) (string, error) {
	switch n.mode {
	case "classify":
		return n.classify(ctx, state)
	default:
		return n.matchKeywords(state), nil
	}
}

// matchKeywords evaluates declared routes in order against the latest
// user message. No match resolves to the default route.
func (n *routerNode) matchKeywords(state *State) string {
	message := strings.ToLower(state.LastUserMessage())
	for _, handle := range n.routes {
		for _, word := range n.keywords[handle] {
			if strings.Contains(message, word) {
				return handle
			}
		}
	}
	return n.defaultRoute
}

// classify asks the model for a label. Unrecognized labels resolve to
// the default route; a failed model call is a node failure, since the
// router has no meaningful substitute output.
func (n *routerNode) classify(ctx context.Context, state *State) (string, error) {
	svc, err := n.repo().GetChatService(ctx, n.providerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", &BuildError{NodeID: n.id, Message: fmt.Sprintf("provider %d not found", n.providerID), Cause: err}
		}
		return "", &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to resolve chat service", Cause: err}
	}

	var b strings.Builder
	b.WriteString("Classify the user's message into exactly one of these labels: ")
	b.WriteString(strings.Join(n.routes, ", "))
	b.WriteString(". Reply with the label only.")
	if n.instruction != "" {
		b.WriteString(" ")
		b.WriteString(n.instruction)
	}

	out, err := svc.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: b.String()},
		{Role: model.RoleUser, Content: state.LastUserMessage()},
	}, nil)
	if err != nil {
		return "", &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "classification call failed", Cause: err}
	}

	label := strings.ToLower(strings.TrimSpace(out.Text))
	for _, handle := range n.routes {
		if strings.ToLower(handle) == label {
			return handle, nil
		}
	}
	return n.defaultRoute, nil
}
