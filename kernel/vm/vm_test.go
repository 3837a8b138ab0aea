package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
)

func echoHandler(inputs map[string]any) (map[string]any, error) {
	return map[string]any{"status": "success", "echo": inputs["text"]}, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	resolver := func(ref string) (registry.Handler, registry.ContextHandler, bool) {
		if ref == "echo" {
			return echoHandler, nil, true
		}
		return nil, nil, false
	}
	r := registry.New(resolver)
	data := []byte(`{"handler_ref":"echo","description":"echoes input"}`)
	require.NoError(t, r.RegisterFromEntity("primitive-echo", data))
	return r
}

func linearProtocol() *Protocol {
	return &Protocol{
		ID: "protocol-linear",
		Data: ProtocolData{
			Interface: Interface{},
			Graph: Graph{
				Start: "call1",
				Nodes: map[string]Node{
					"call1": {Kind: NodeCall, Ref: "primitive-echo", Inputs: map[string]any{"text": "$.inputs.msg"}},
					"done":  {Kind: NodeReturn, Outputs: map[string]any{"result": "$.call1.echo"}},
				},
				Edges: []Edge{{From: "call1", To: "done"}},
			},
		},
	}
}

func TestSpawnSeedsMemoryUnderInputsKey(t *testing.T) {
	protocol := linearProtocol()
	machine := New(newTestRegistry(t), nil, nil)

	state := machine.Spawn(protocol, map[string]any{"msg": "hi"})
	require.Equal(t, store.StatusPending, state.Status)
	require.Equal(t, "call1", *state.Data.Cursor)
	require.Equal(t, map[string]any{"msg": "hi"}, state.Data.Memory["inputs"])
}

func TestStepCallInvokesPrimitiveAndAdvances(t *testing.T) {
	protocol := linearProtocol()
	machine := New(newTestRegistry(t), nil, nil)

	state := machine.Spawn(protocol, map[string]any{"msg": "hi"})
	state, child := machine.Step(protocol, state, nil)
	require.Nil(t, child)
	require.Equal(t, store.StatusRunning, state.Status)
	require.Equal(t, "done", *state.Data.Cursor)

	call1Result, ok := state.Data.Memory["call1"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi", call1Result["echo"])
}

func TestStepReturnFulfillsAndRecordsExitNode(t *testing.T) {
	protocol := linearProtocol()
	machine := New(newTestRegistry(t), nil, nil)

	state := machine.Spawn(protocol, map[string]any{"msg": "hi"})
	state, _ = machine.Step(protocol, state, nil)
	state, child := machine.Step(protocol, state, nil)

	require.Nil(t, child)
	require.Equal(t, store.StatusFulfilled, state.Status)
	require.Nil(t, state.Data.Cursor)
	require.Equal(t, "done", *state.Data.ExitNode)
}

func TestExtractOutputUsesExitNode(t *testing.T) {
	protocol := linearProtocol()
	machine := New(newTestRegistry(t), nil, nil)

	state := machine.Spawn(protocol, map[string]any{"msg": "hi"})
	state, _ = machine.Step(protocol, state, nil)
	state, _ = machine.Step(protocol, state, nil)

	out := machine.ExtractOutput(protocol, state)
	require.Equal(t, "hi", out["result"])
}

func TestStepCallWithUnknownPrimitiveStresses(t *testing.T) {
	protocol := &Protocol{
		ID: "protocol-bad",
		Data: ProtocolData{Graph: Graph{
			Start: "call1",
			Nodes: map[string]Node{
				"call1": {Kind: NodeCall, Ref: "primitive-nope"},
			},
		}},
	}
	machine := New(newTestRegistry(t), nil, nil)

	state := machine.Spawn(protocol, map[string]any{})
	state, child := machine.Step(protocol, state, nil)
	require.Nil(t, child)
	require.Equal(t, store.StatusStressed, state.Status)
	require.Equal(t, "primitive_error", state.Data.Error.Kind)
}

func TestStepCallProtocolRefSuspendsAndSpawnsChild(t *testing.T) {
	child := linearProtocol()
	loader := func(ref string) (*Protocol, error) {
		if ref == "protocol-linear" {
			return child, nil
		}
		return nil, nil
	}

	parent := &Protocol{
		ID: "protocol-parent",
		Data: ProtocolData{Graph: Graph{
			Start: "call1",
			Nodes: map[string]Node{
				"call1": {Kind: NodeCall, Ref: "protocol-linear", Inputs: map[string]any{"msg": "$.inputs.text"}},
				"done":  {Kind: NodeReturn},
			},
			Edges: []Edge{{From: "call1", To: "done"}},
		}},
	}

	machine := New(newTestRegistry(t), loader, nil)
	state := machine.Spawn(parent, map[string]any{"text": "hello"})
	state, childState := machine.Step(parent, state, nil)

	require.NotNil(t, childState)
	require.Equal(t, store.StatusSuspended, state.Status)
	require.Equal(t, "protocol-linear", childState.ProtocolID)
}

func TestStepSuspendedStoresChildResultAndAdvances(t *testing.T) {
	parent := &Protocol{
		ID: "protocol-parent",
		Data: ProtocolData{Graph: Graph{
			Start: "call1",
			Nodes: map[string]Node{
				"call1": {Kind: NodeCall, Ref: "protocol-linear"},
				"done":  {Kind: NodeReturn, Outputs: map[string]any{"r": "$.call1.result"}},
			},
			Edges: []Edge{{From: "call1", To: "done"}},
		}},
	}
	machine := New(newTestRegistry(t), func(string) (*Protocol, error) { return linearProtocol(), nil }, nil)

	state := machine.Spawn(parent, map[string]any{})
	state, _ = machine.Step(parent, state, nil)
	require.Equal(t, store.StatusSuspended, state.Status)

	state, child := machine.Step(parent, state, map[string]any{"result": "child-out"})
	require.Nil(t, child)
	require.Equal(t, store.StatusRunning, state.Status)
	require.Equal(t, "done", *state.Data.Cursor)
	require.Equal(t, map[string]any{"result": "child-out"}, state.Data.Memory["call1"])
}

func TestAdvanceCursorConditionBeatsDefault(t *testing.T) {
	graph := Graph{
		Nodes: map[string]Node{"a": {}, "b": {}, "c": {}},
		Edges: []Edge{
			{From: "a", To: "c", Default: true},
			{From: "a", To: "b", Condition: &EdgeCondition{Op: OpEq, Path: "$.inputs.flag", Value: true}},
		},
	}
	machine := New(newTestRegistry(t), nil, nil)
	state := &store.State{Data: store.StateData{Memory: map[string]any{"inputs": map[string]any{"flag": true}}}}

	result := machine.advanceCursor(graph, state, "a")
	require.Equal(t, "b", *result.Data.Cursor)
}

func TestAdvanceCursorNoMatchFulfillsWithoutExitNode(t *testing.T) {
	graph := Graph{
		Nodes: map[string]Node{"a": {}, "b": {}},
		Edges: []Edge{
			{From: "a", To: "b", Condition: &EdgeCondition{Op: OpEq, Path: "$.inputs.flag", Value: true}},
		},
	}
	machine := New(newTestRegistry(t), nil, nil)
	state := &store.State{Data: store.StateData{Memory: map[string]any{"inputs": map[string]any{"flag": false}}}}

	result := machine.advanceCursor(graph, state, "a")
	require.Equal(t, store.StatusFulfilled, result.Status)
	require.Nil(t, result.Data.Cursor)
	require.Nil(t, result.Data.ExitNode)
}

func TestResolveValueDollarPathAndInterpolation(t *testing.T) {
	memory := map[string]any{"inputs": map[string]any{"name": "Ada"}}

	require.Equal(t, "Ada", resolveValue("$.inputs.name", memory))
	require.Equal(t, "hello Ada!", resolveValue("hello {$.inputs.name}!", memory))
}

func TestResolveValueMissingPathYieldsNil(t *testing.T) {
	memory := map[string]any{"inputs": map[string]any{}}
	require.Nil(t, resolveValue("$.inputs.missing", memory))
}

func TestEvaluateConditionOperators(t *testing.T) {
	memory := map[string]any{"inputs": map[string]any{"n": 5.0, "tags": []any{"a", "b"}, "s": ""}}

	require.True(t, evaluateCondition(&EdgeCondition{Op: OpGt, Path: "$.inputs.n", Value: 1.0}, memory))
	require.True(t, evaluateCondition(&EdgeCondition{Op: OpLt, Path: "$.inputs.n", Value: 10.0}, memory))
	require.True(t, evaluateCondition(&EdgeCondition{Op: OpContains, Path: "$.inputs.tags", Value: "a"}, memory))
	require.True(t, evaluateCondition(&EdgeCondition{Op: OpEmpty, Path: "$.inputs.s", Value: nil}, memory))
	require.False(t, evaluateCondition(&EdgeCondition{Op: OpEq, Path: "$.inputs.n", Value: 6.0}, memory))
}
