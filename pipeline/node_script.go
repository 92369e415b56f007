package pipeline

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// scriptNode runs operator-supplied Lua in a sandboxed interpreter.
//
// The sandbox opens only the base, table, string and math libraries; no
// io, os or package loading. The exposed API surface:
//
//	input()                      -> the inbound user message
//	output(node_id)              -> text output of an upstream node
//	say(text)                       set this node's output
//	get_temp(key) / set_temp(key, value)
//	get_data(key) / set_data(key, value)   participant global data
//	schedules()                  -> array of {label=..., at=...}
//	attach_file(name, content_type, data)
//	abort(message, tag)             stop the whole run
//	suspend()                       end the run until next input
//
// Every persistence call is a thin wrapper over the repository. An
// unhandled script error fails the run.
type scriptNode struct {
	baseNode
	code     string
	requires []string
}

func newScriptNode(def NodeDef) (Node, error) {
	code := stringParam(def.Data.Params, "code")
	if code == "" {
		return nil, &BuildError{NodeID: def.ID, Message: "script node requires code"}
	}
	return &scriptNode{
		baseNode: baseNode{id: def.ID},
		code:     code,
		requires: stringSliceParam(def.Data.Params, "require_outputs"),
	}, nil
}

func (n *scriptNode) Kind() string { return KindScript }

func (n *scriptNode) Process(ctx context.Context, state *State, incoming, outgoing []string) (*State, error) {
	if missing := missingOutputs(state, n.requires); len(missing) > 0 {
		return nil, &RequireOutputs{NodeIDs: missing}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "failed to initialize sandbox", Cause: err}
		}
	}

	b := &scriptBinding{ctx: ctx, node: n, state: state}
	b.register(L)

	err := L.DoString(n.code)
	if b.signal != nil {
		// abort/suspend raise a Lua error to unwind the script; the
		// signal takes precedence over that synthetic error.
		return nil, b.signal
	}
	if b.repoErr != nil {
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "script persistence call failed", Cause: b.repoErr}
	}
	if err != nil {
		return nil, &NodeError{NodeID: n.id, Kind: n.Kind(), Message: "script error", Cause: err}
	}
	return state, nil
}

// scriptBinding holds the per-run context the sandbox functions close
// over. Lua runs single-threaded, so no locking is needed.
type scriptBinding struct {
	ctx     context.Context
	node    *scriptNode
	state   *State
	signal  error
	repoErr error
}

func (b *scriptBinding) register(L *lua.LState) {
	L.SetGlobal("input", L.NewFunction(b.luaInput))
	L.SetGlobal("output", L.NewFunction(b.luaOutput))
	L.SetGlobal("say", L.NewFunction(b.luaSay))
	L.SetGlobal("get_temp", L.NewFunction(b.luaGetTemp))
	L.SetGlobal("set_temp", L.NewFunction(b.luaSetTemp))
	L.SetGlobal("get_data", L.NewFunction(b.luaGetData))
	L.SetGlobal("set_data", L.NewFunction(b.luaSetData))
	L.SetGlobal("schedules", L.NewFunction(b.luaSchedules))
	L.SetGlobal("attach_file", L.NewFunction(b.luaAttachFile))
	L.SetGlobal("abort", L.NewFunction(b.luaAbort))
	L.SetGlobal("suspend", L.NewFunction(b.luaSuspend))
}

func (b *scriptBinding) luaInput(L *lua.LState) int {
	L.Push(lua.LString(b.state.LastUserMessage()))
	return 1
}

func (b *scriptBinding) luaOutput(L *lua.LState) int {
	nodeID := L.CheckString(1)
	L.Push(lua.LString(b.state.Outputs[nodeID].Text))
	return 1
}

func (b *scriptBinding) luaSay(L *lua.LState) int {
	b.state.Outputs[b.node.id] = Output{Text: L.CheckString(1)}
	return 0
}

func (b *scriptBinding) luaGetTemp(L *lua.LState) int {
	L.Push(lua.LString(b.state.Temp[L.CheckString(1)]))
	return 1
}

func (b *scriptBinding) luaSetTemp(L *lua.LState) int {
	b.state.Temp[L.CheckString(1)] = L.CheckString(2)
	return 0
}

func (b *scriptBinding) luaGetData(L *lua.LState) int {
	key := L.CheckString(1)
	data, err := b.node.repo().GetParticipantGlobalData(b.ctx, b.state.Session.ParticipantID)
	if err != nil {
		b.fail(L, err)
		return 0
	}
	L.Push(lua.LString(data[key]))
	return 1
}

func (b *scriptBinding) luaSetData(L *lua.LState) int {
	key, value := L.CheckString(1), L.CheckString(2)
	if err := b.node.repo().SetParticipantGlobalData(b.ctx, b.state.Session.ParticipantID, key, value); err != nil {
		b.fail(L, err)
	}
	return 0
}

func (b *scriptBinding) luaSchedules(L *lua.LState) int {
	schedules, err := b.node.repo().GetParticipantSchedules(b.ctx, b.state.Session.ParticipantID)
	if err != nil {
		b.fail(L, err)
		return 0
	}
	result := L.NewTable()
	for _, s := range schedules {
		entry := L.NewTable()
		entry.RawSetString("label", lua.LString(s.Label))
		entry.RawSetString("at", lua.LString(s.At.Format(time.RFC3339)))
		result.Append(entry)
	}
	L.Push(result)
	return 1
}

func (b *scriptBinding) luaAttachFile(L *lua.LState) int {
	name, contentType, data := L.CheckString(1), L.CheckString(2), L.CheckString(3)
	f, err := b.node.repo().CreateFile(b.ctx, repo.File{
		ID:          newFileID(),
		Name:        name,
		ContentType: contentType,
		Data:        []byte(data),
	})
	if err != nil {
		b.fail(L, err)
		return 0
	}
	if err := b.node.repo().AttachFilesToSession(b.ctx, b.state.Session.ID, []string{f.ID}); err != nil {
		b.fail(L, err)
		return 0
	}
	L.Push(lua.LString(f.ID))
	return 1
}

func (b *scriptBinding) luaAbort(L *lua.LState) int {
	b.signal = &AbortSignal{Message: L.CheckString(1), Tag: L.OptString(2, "")}
	L.RaiseError("run aborted")
	return 0
}

func (b *scriptBinding) luaSuspend(L *lua.LState) int {
	b.signal = &SuspendSignal{}
	L.RaiseError("run suspended")
	return 0
}

// fail records a repository failure and unwinds the script. The Go error
// is kept so the node can report it with full context.
func (b *scriptBinding) fail(L *lua.LState, err error) {
	b.repoErr = err
	L.RaiseError("persistence call failed: %s", err.Error())
}
