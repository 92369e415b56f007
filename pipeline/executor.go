package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatgraph/chatgraph-go/pipeline/emit"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// Status is the outcome of a pipeline run.
type Status string

const (
	// StatusCompleted: traversal reached the end node.
	StatusCompleted Status = "completed"

	// StatusAborted: a node raised an abort signal; Message and Tag carry
	// its payload verbatim.
	StatusAborted Status = "aborted"

	// StatusSuspended: a node suspended the run until the next user
	// input; the caller re-invokes with the same session.
	StatusSuspended Status = "suspended"
)

// Result is what a finished (non-failed) run returns to the caller.
type Result struct {
	Status Status

	// State is the final run state, including every node's output.
	State *State

	// Message is the user-visible text: the terminal output for a
	// completed run, the abort message for an aborted one.
	Message string

	// Tag classifies an abort; empty otherwise.
	Tag string
}

// Executor drives messages through compiled pipelines. One Executor can
// serve many runs; per-run mutable state lives in State, never in the
// Executor.
type Executor struct {
	repository repo.Repository
	opts       Options
}

// NewExecutor creates an Executor over the given repository.
func NewExecutor(r repo.Repository, opts ...Option) *Executor {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	o.normalize()
	return &Executor{repository: r, opts: o}
}

// Run compiles the definition and executes one message through it.
func (e *Executor) Run(ctx context.Context, def Definition, input string, session repo.SessionRef) (Result, error) {
	p, err := Compile(def)
	if err != nil {
		return Result{}, err
	}
	return e.RunPipeline(ctx, p, input, session)
}

// RunPipeline executes one message through an already-compiled pipeline.
//
// Traversal follows topological dependency order. A node with multiple
// incoming edges runs once all live predecessors produced output; a
// non-router fan-out lets independent branches run concurrently on
// isolated state snapshots, merged deterministically in node-id order.
// Abort is cooperative: it is observed at node boundaries only.
func (e *Executor) RunPipeline(ctx context.Context, p *Pipeline, input string, session repo.SessionRef) (Result, error) {
	runID := uuid.NewString()
	for _, node := range p.nodes {
		if ra, ok := node.(repoAware); ok {
			ra.injectRepo(e.repository)
			ra.injectMetrics(e.opts.Metrics)
		}
	}

	state := NewState(input, session)
	e.emit(emit.Event{RunID: runID, Msg: "pipeline_start", Meta: map[string]interface{}{"session_id": session.ID}})

	t := &traversal{
		pipeline:   p,
		done:       make(map[string]bool),
		prunedEdge: make(map[string]bool),
		prunedNode: make(map[string]bool),
	}

	steps := 0
	for !t.done[p.endID] {
		batch := t.ready()
		if len(batch) == 0 {
			err := &BuildError{Message: "no runnable nodes before reaching the end node"}
			e.finishRun(runID, "failed", err.Error())
			return Result{}, err
		}
		sort.Strings(batch)

		steps += len(batch)
		if steps > e.opts.MaxSteps {
			e.finishRun(runID, "failed", ErrMaxStepsExceeded.Error())
			return Result{}, fmt.Errorf("run %s: %w", runID, ErrMaxStepsExceeded)
		}

		var err error
		var res *Result
		if len(batch) == 1 {
			state, res, err = e.execSingle(ctx, runID, steps, t, batch[0], state)
		} else {
			state, res, err = e.execParallel(ctx, runID, steps, t, batch, state)
		}
		if err != nil {
			e.finishRun(runID, "failed", err.Error())
			return Result{}, err
		}
		if res != nil {
			res.State = state
			e.finishRun(runID, string(res.Status), res.Message)
			return *res, nil
		}
	}

	final := state.Outputs[p.endID].Text
	e.finishRun(runID, string(StatusCompleted), final)
	return Result{Status: StatusCompleted, State: state, Message: final}, nil
}

// traversal is the bookkeeping of one run over a compiled pipeline.
type traversal struct {
	pipeline   *Pipeline
	done       map[string]bool
	prunedEdge map[string]bool
	prunedNode map[string]bool
}

// ready returns every node whose predecessors are all resolved: each
// incoming edge is either pruned or its source is done. A node with all
// incoming edges pruned is itself pruned, never run.
func (t *traversal) ready() []string {
	var out []string
	for id := range t.pipeline.nodes {
		if t.done[id] || t.prunedNode[id] {
			continue
		}
		incoming := t.pipeline.incoming[id]
		if len(incoming) == 0 {
			if id == t.pipeline.startID {
				out = append(out, id)
			}
			continue
		}
		live := false
		resolved := true
		for _, e := range incoming {
			if t.prunedEdge[e.ID] {
				continue
			}
			live = true
			if !t.done[e.Source] {
				resolved = false
				break
			}
		}
		if !live {
			t.pruneNode(id)
			continue
		}
		if resolved {
			out = append(out, id)
		}
	}
	return out
}

// pruneNode marks a node dead and propagates through its outgoing edges.
func (t *traversal) pruneNode(id string) {
	if t.prunedNode[id] {
		return
	}
	t.prunedNode[id] = true
	for _, e := range t.pipeline.outgoing[id] {
		t.prunedEdge[e.ID] = true
	}
}

// applyRoute prunes every outgoing edge of a router except the chosen
// handle. An unmatched handle falls back to the router's default.
func (t *traversal) applyRoute(nodeID, handle, fallback string) {
	edges := t.pipeline.outgoing[nodeID]
	matched := false
	for _, e := range edges {
		if e.SourceHandle == handle {
			matched = true
			break
		}
	}
	if !matched {
		handle = fallback
	}
	for _, e := range edges {
		if e.SourceHandle != handle {
			t.prunedEdge[e.ID] = true
		}
	}
}

// adjacent lists the ids on the other side of a node's edges.
func adjacent(edges []EdgeDef, source bool) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if source {
			out = append(out, e.Source)
		} else {
			out = append(out, e.Target)
		}
	}
	return out
}

// execSingle runs one node directly on the shared state.
func (e *Executor) execSingle(ctx context.Context, runID string, step int, t *traversal, nodeID string, state *State) (*State, *Result, error) {
	node := t.pipeline.nodes[nodeID]
	next, err := e.runNode(ctx, runID, step, node, state, t)
	if err != nil {
		return state, nil, err
	}
	if next.res != nil {
		return next.state, next.res, nil
	}
	if next.routed {
		t.applyRoute(nodeID, next.route, t.pipeline.nodes[nodeID].(router).DefaultRoute())
	}
	t.done[nodeID] = true
	return next.state, nil, nil
}

// branchOutcome is what one node execution produced.
type branchOutcome struct {
	state  *State
	res    *Result // non-nil for abort/suspend
	route  string  // chosen handle, routers only
	routed bool
}

// runNode executes one node with events, metrics and signal handling.
// Flow-control signals become a Result; real failures become errors.
// runNode never mutates the traversal, so fan-out batches may call it
// concurrently; the caller applies any routing decision afterwards.
func (e *Executor) runNode(ctx context.Context, runID string, step int, node Node, state *State, t *traversal) (branchOutcome, error) {
	id := node.ID()
	incoming := adjacent(t.pipeline.incoming[id], true)
	outgoing := adjacent(t.pipeline.outgoing[id], false)

	e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "node_start",
		Meta: map[string]interface{}{"node_kind": node.Kind()}})
	e.opts.Metrics.NodeStarted()
	start := time.Now()

	next, err := node.Process(ctx, state, incoming, outgoing)

	e.opts.Metrics.NodeFinished()
	elapsed := time.Since(start)

	if err != nil {
		var abort *AbortSignal
		var suspend *SuspendSignal
		var require *RequireOutputs
		switch {
		case errors.As(err, &abort):
			// Signals are control flow, not failures.
			e.opts.Metrics.RecordNodeLatency(node.Kind(), elapsed, "success")
			e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "pipeline_abort",
				Meta: map[string]interface{}{"tag": abort.Tag}})
			return branchOutcome{state: state, res: &Result{Status: StatusAborted, Message: abort.Message, Tag: abort.Tag}}, nil
		case errors.As(err, &suspend):
			e.opts.Metrics.RecordNodeLatency(node.Kind(), elapsed, "success")
			e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "pipeline_suspend", Meta: nil})
			return branchOutcome{state: state, res: &Result{Status: StatusSuspended, Message: state.LastAssistantMessage()}}, nil
		case errors.As(err, &require):
			err = &BuildError{NodeID: id, Message: require.Error(), Cause: err}
		}

		e.opts.Metrics.RecordNodeLatency(node.Kind(), elapsed, "error")
		e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "node_error",
			Meta: map[string]interface{}{"error": err.Error()}})

		var build *BuildError
		var nodeErr *NodeError
		if !errors.As(err, &build) && !errors.As(err, &nodeErr) {
			err = &NodeError{NodeID: id, Kind: node.Kind(), Message: "execution failed", Cause: err}
		}
		return branchOutcome{}, err
	}

	e.opts.Metrics.RecordNodeLatency(node.Kind(), elapsed, "success")

	meta := map[string]interface{}{"node_kind": node.Kind(), "duration_ms": elapsed.Milliseconds()}
	outcome := branchOutcome{state: next}
	if r, ok := node.(router); ok {
		handle, rerr := r.SelectRoute(ctx, next)
		if rerr != nil {
			e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "node_error",
				Meta: map[string]interface{}{"error": rerr.Error()}})
			return branchOutcome{}, rerr
		}
		outcome.route = handle
		outcome.routed = true
		meta["route"] = handle
	}
	e.emit(emit.Event{RunID: runID, Step: step, NodeID: id, Msg: "node_end", Meta: meta})

	return outcome, nil
}

// execParallel runs a fan-out batch concurrently. Each branch gets an
// isolated deep-copy snapshot and writes only its own output slot; the
// shared state then absorbs the branches in sorted node-id order so the
// merge is deterministic regardless of scheduling.
func (e *Executor) execParallel(ctx context.Context, runID string, step int, t *traversal, batch []string, state *State) (*State, *Result, error) {
	type parallelResult struct {
		outcome branchOutcome
		err     error
	}
	results := make([]parallelResult, len(batch))
	snapshots := make([]*State, len(batch))

	// Baseline for the merge, captured before any branch runs. Nodes
	// mutate their snapshot in place, so a branch's changes are whatever
	// sits past this point, not a diff against its own snapshot.
	baseMsgs := len(state.Messages)
	baseTemp := make(map[string]string, len(state.Temp))
	for k, v := range state.Temp {
		baseTemp[k] = v
	}

	for i := range batch {
		snap, err := state.Clone()
		if err != nil {
			return state, nil, fmt.Errorf("failed to snapshot state for branch %s: %w", batch[i], err)
		}
		snapshots[i] = snap
	}

	sem := make(chan struct{}, e.opts.MaxParallel)
	var wg sync.WaitGroup
	for i, nodeID := range batch {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcome, err := e.runNode(ctx, runID, step, t.pipeline.nodes[nodeID], snapshots[i], t)
			results[i] = parallelResult{outcome: outcome, err: err}
		}(i, nodeID)
	}
	wg.Wait()

	// Merge successful branches first so a suspend still sees their
	// outputs; failures and aborts win over suspends.
	var firstErr error
	var abortRes, suspendRes *Result
	for i, nodeID := range batch {
		r := results[i]
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.outcome.res != nil {
			// A signaling branch still ran up to its signal point; fold its
			// changes in so the result state matches the single-node path.
			mergeBranch(state, baseMsgs, baseTemp, r.outcome.state, nodeID)
			switch r.outcome.res.Status {
			case StatusAborted:
				if abortRes == nil {
					abortRes = r.outcome.res
				}
			case StatusSuspended:
				if suspendRes == nil {
					suspendRes = r.outcome.res
				}
			}
			continue
		}
		mergeBranch(state, baseMsgs, baseTemp, r.outcome.state, nodeID)
		if r.outcome.routed {
			t.applyRoute(nodeID, r.outcome.route, t.pipeline.nodes[nodeID].(router).DefaultRoute())
		}
		t.done[nodeID] = true
	}

	switch {
	case abortRes != nil:
		return state, abortRes, nil
	case firstErr != nil:
		return state, nil, firstErr
	case suspendRes != nil:
		return state, suspendRes, nil
	}
	return state, nil, nil
}

// mergeBranch folds one branch's changes into the shared state: the
// branch node's own output slot, messages appended past the pre-batch
// baseline, and temp keys that differ from the baseline.
func mergeBranch(shared *State, baseMsgs int, baseTemp map[string]string, branch *State, nodeID string) {
	if out, ok := branch.Outputs[nodeID]; ok {
		shared.Outputs[nodeID] = out
	}
	if len(branch.Messages) > baseMsgs {
		shared.Messages = append(shared.Messages, branch.Messages[baseMsgs:]...)
	}
	for k, v := range branch.Temp {
		if baseTemp[k] != v {
			shared.Temp[k] = v
		}
	}
}

func (e *Executor) emit(event emit.Event) {
	e.opts.Emitter.Emit(event)
}

// finishRun records terminal metrics and the closing event.
func (e *Executor) finishRun(runID, status, message string) {
	e.opts.Metrics.RecordRun(status)
	msg := "pipeline_complete"
	switch status {
	case "failed":
		msg = "pipeline_error"
	case string(StatusAborted):
		msg = "pipeline_abort_result"
	case string(StatusSuspended):
		msg = "pipeline_suspend_result"
	}
	e.emit(emit.Event{RunID: runID, Msg: msg, Meta: map[string]interface{}{"status": status, "message": message}})
}

// newFileID mints an identifier for files created during a run.
func newFileID() string {
	return uuid.NewString()
}
