package pipeline

import "fmt"

// Pipeline is a compiled, executable graph. Compile validates structure
// once; Executor.RunPipeline drives a message through it.
//
// A Pipeline is not safe for concurrent runs: the executor injects the
// active repository into its nodes. Compile per run, or serialize runs
// over one Pipeline.
type Pipeline struct {
	nodes    map[string]Node
	incoming map[string][]EdgeDef
	outgoing map[string][]EdgeDef
	startID  string
	endID    string
}

// Compile validates a definition and constructs its executable form.
//
// Validation covers: unique node ids, edges referencing existing nodes,
// exactly one start and one end, start without predecessors and end
// without successors, router handle uniqueness with a reachable default,
// and acyclicity (in-conversation loops are modeled by suspend/resume,
// not by graph cycles).
func Compile(def Definition) (*Pipeline, error) {
	if len(def.Nodes) == 0 {
		return nil, &BuildError{Message: "pipeline has no nodes"}
	}

	p := &Pipeline{
		nodes:    make(map[string]Node, len(def.Nodes)),
		incoming: make(map[string][]EdgeDef),
		outgoing: make(map[string][]EdgeDef),
	}

	for _, nd := range def.Nodes {
		if nd.ID == "" {
			return nil, &BuildError{Message: "node without id"}
		}
		if _, dup := p.nodes[nd.ID]; dup {
			return nil, &BuildError{NodeID: nd.ID, Message: "duplicate node id"}
		}
		node, err := newNode(nd)
		if err != nil {
			return nil, err
		}
		p.nodes[nd.ID] = node

		switch node.Kind() {
		case KindStart:
			if p.startID != "" {
				return nil, &BuildError{NodeID: nd.ID, Message: "multiple start nodes"}
			}
			p.startID = nd.ID
		case KindEnd:
			if p.endID != "" {
				return nil, &BuildError{NodeID: nd.ID, Message: "multiple end nodes"}
			}
			p.endID = nd.ID
		}
	}
	if p.startID == "" {
		return nil, &BuildError{Message: "pipeline has no start node"}
	}
	if p.endID == "" {
		return nil, &BuildError{Message: "pipeline has no end node"}
	}

	for _, e := range def.Edges {
		if _, ok := p.nodes[e.Source]; !ok {
			return nil, &BuildError{Message: fmt.Sprintf("edge %s references unknown source node %q", e.ID, e.Source)}
		}
		if _, ok := p.nodes[e.Target]; !ok {
			return nil, &BuildError{Message: fmt.Sprintf("edge %s references unknown target node %q", e.ID, e.Target)}
		}
		p.outgoing[e.Source] = append(p.outgoing[e.Source], e)
		p.incoming[e.Target] = append(p.incoming[e.Target], e)
	}

	if len(p.incoming[p.startID]) > 0 {
		return nil, &BuildError{NodeID: p.startID, Message: "start node must not have incoming edges"}
	}
	if len(p.outgoing[p.endID]) > 0 {
		return nil, &BuildError{NodeID: p.endID, Message: "end node must not have outgoing edges"}
	}

	if err := p.validateRouting(); err != nil {
		return nil, err
	}
	if err := p.validateAcyclic(); err != nil {
		return nil, err
	}
	return p, nil
}

// validateRouting checks handle uniqueness and router defaults.
func (p *Pipeline) validateRouting() error {
	for id, node := range p.nodes {
		edges := p.outgoing[id]
		seen := make(map[string]bool, len(edges))
		r, isRouter := node.(router)

		for _, e := range edges {
			if isRouter && e.SourceHandle == "" {
				return &BuildError{NodeID: id, Message: fmt.Sprintf("router edge %s needs a source handle", e.ID)}
			}
			if e.SourceHandle == "" {
				continue // unlabeled fan-out from a non-router
			}
			if seen[e.SourceHandle] {
				return &BuildError{NodeID: id, Message: fmt.Sprintf("duplicate outgoing handle %q (ambiguous routing)", e.SourceHandle)}
			}
			seen[e.SourceHandle] = true
		}

		if isRouter {
			if len(edges) == 0 {
				return &BuildError{NodeID: id, Message: "router node has no outgoing edges"}
			}
			if !seen[r.DefaultRoute()] {
				return &BuildError{NodeID: id, Message: fmt.Sprintf("default route %q has no matching edge", r.DefaultRoute())}
			}
		}
	}
	return nil
}

// validateAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (p *Pipeline) validateAcyclic() error {
	indegree := make(map[string]int, len(p.nodes))
	for id := range p.nodes {
		indegree[id] = len(p.incoming[id])
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range p.outgoing[id] {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	if visited != len(p.nodes) {
		return &BuildError{Message: "pipeline contains a cycle"}
	}
	return nil
}

// Node returns the compiled node with the given id, or nil.
func (p *Pipeline) Node(id string) Node { return p.nodes[id] }

// StartID returns the id of the start node.
func (p *Pipeline) StartID() string { return p.startID }

// EndID returns the id of the end node.
func (p *Pipeline) EndID() string { return p.endID }
