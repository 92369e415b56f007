package pipeline

import (
	"context"
	"fmt"

	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// Node kinds. The set is closed: dispatch is a switch, not an open
// registry, so adding a kind is a single arm in newNode plus its
// constructor.
const (
	KindStart     = "start"
	KindEnd       = "end"
	KindGenerate  = "generate"
	KindRouter    = "router"
	KindScript    = "script"
	KindAssistant = "assistant"
)

// Node is the common execution contract of every node variant.
//
// Process either returns an updated state, returns a flow-control signal
// through its error (AbortSignal, SuspendSignal, RequireOutputs), or
// returns a build/runtime error. The executor injects the active
// repository before Process is invoked; nodes never reach for a global
// one.
type Node interface {
	// ID returns the node's unique id within the graph.
	ID() string

	// Kind returns the node's kind string.
	Kind() string

	// Process executes the node against the current state. incoming and
	// outgoing list the ids of adjacent nodes in the compiled graph.
	Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error)
}

// router is the extra contract of route-selecting nodes. The executor
// calls SelectRoute after Process and prunes every outgoing edge whose
// handle was not chosen.
type router interface {
	// SelectRoute returns the outgoing edge handle for the current state.
	SelectRoute(ctx context.Context, state *State) (string, error)

	// DefaultRoute returns the handle used when classification yields no
	// matching route.
	DefaultRoute() string
}

// repoAware is implemented by baseNode so the executor can inject the
// active repository and metric set into every node before traversal.
type repoAware interface {
	injectRepo(r repo.Repository)
	injectMetrics(m *Metrics)
}

// baseNode carries the identity, injected repository and metric set
// shared by all node variants.
type baseNode struct {
	id         string
	repository repo.Repository
	metricSet  *Metrics
}

func (b *baseNode) ID() string { return b.id }

func (b *baseNode) injectRepo(r repo.Repository) { b.repository = r }

func (b *baseNode) injectMetrics(m *Metrics) { b.metricSet = m }

// metrics returns the injected metric set; nil disables recording, and
// every Metrics method tolerates a nil receiver.
func (b *baseNode) metrics() *Metrics { return b.metricSet }

// repo returns the injected repository. Accessing it before injection is
// a programming error in the executor, not a runtime condition, so it
// fails loudly.
func (b *baseNode) repo() repo.Repository {
	if b.repository == nil {
		panic("pipeline: repository accessed before injection on node " + b.id)
	}
	return b.repository
}

// newNode constructs the variant for a definition entry. Unknown kinds
// are a build error.
func newNode(def NodeDef) (Node, error) {
	switch def.kind() {
	case KindStart:
		return newStartNode(def)
	case KindEnd:
		return newEndNode(def)
	case KindGenerate:
		return newGenerateNode(def)
	case KindRouter:
		return newRouterNode(def)
	case KindScript:
		return newScriptNode(def)
	case KindAssistant:
		return newAssistantNode(def)
	default:
		return nil, &BuildError{NodeID: def.ID, Message: fmt.Sprintf("unknown node kind %q", def.kind())}
	}
}

// Param extraction helpers. Definitions arrive as JSON, so numbers are
// float64 and lists are []interface{}.

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]interface{}, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func int64Param(params map[string]interface{}, key string) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func int64SliceParam(params map[string]interface{}, key string) []int64 {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			out = append(out, int64(v))
		case int:
			out = append(out, int64(v))
		case int64:
			out = append(out, v)
		}
	}
	return out
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
