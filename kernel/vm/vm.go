// Package vm implements the protocol virtual machine (C3): a single-step
// interpreter over a directed graph of CALL/RETURN nodes, with
// memory-backed expression resolution and recursive sub-protocol
// suspension.
package vm

import (
	"fmt"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
)

// ProtocolLoader resolves a protocol-prefixed ref to a hydrated Protocol.
type ProtocolLoader func(ref string) (*Protocol, error)

// VM is the protocol virtual machine.
type VM struct {
	primitives *registry.Registry
	loader     ProtocolLoader
	ctx        *execctx.ExecutionContext
}

// New builds a VM bound to a primitive registry, a protocol loader (for
// CALL nodes with a protocol-prefixed ref), and the execution context
// injected into primitive handlers that declare it.
func New(primitives *registry.Registry, loader ProtocolLoader, ctx *execctx.ExecutionContext) *VM {
	return &VM{primitives: primitives, loader: loader, ctx: ctx}
}

// Spawn creates a fresh state for protocol, cursor at the graph's start
// node, memory seeded with the call's inputs under the reserved "inputs"
// key. State id assignment is the runner's responsibility.
func (vm *VM) Spawn(protocol *Protocol, inputs map[string]any) *store.State {
	return &store.State{
		ProtocolID: protocol.ID,
		Status:     store.StatusPending,
		Data: store.StateData{
			ProtocolID:      protocol.ID,
			ProtocolVersion: protocol.Version,
			Cursor:          strPtr(protocol.Data.Graph.Start),
			Memory:          map[string]any{"inputs": inputs},
		},
	}
}

// ExtractOutput maps the terminating RETURN node's outputs through memory.
// If exit_node is unset or stale, it falls back to the first RETURN node in
// the graph for backward compatibility with older snapshots (spec §4.3).
func (vm *VM) ExtractOutput(protocol *Protocol, state *store.State) map[string]any {
	graph := protocol.Data.Graph

	if state.Data.ExitNode != nil {
		if node, ok := graph.Nodes[*state.Data.ExitNode]; ok && node.Kind == NodeReturn {
			return mapInputs(node.Outputs, state.Data.Memory)
		}
	}
	for _, id := range sortedNodeIDs(graph) {
		if graph.Nodes[id].Kind == NodeReturn {
			return mapInputs(graph.Nodes[id].Outputs, state.Data.Memory)
		}
	}
	return map[string]any{}
}

// sortedNodeIDs gives the fallback scan a deterministic order; the graph is
// a map, and spec only requires "the first RETURN", not any specific
// ordering, but determinism matters for VM determinism (testable property
// 6).
func sortedNodeIDs(graph Graph) []string {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	// Simple insertion sort; graphs are small and this avoids importing
	// sort for a handful of callers.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Step executes a single step of protocol against state. If a child state
// is returned, the runner must push it and run it to completion before
// resuming the parent with its extracted output as childResult.
func (vm *VM) Step(protocol *Protocol, state *store.State, childResult map[string]any) (*store.State, *store.State) {
	if state.Status == store.StatusSuspended {
		if childResult != nil {
			if state.Data.Cursor != nil {
				cursor := *state.Data.Cursor
				state.Data.Memory[cursor] = childResult
				return vm.advanceCursor(protocol.Data.Graph, state, cursor), nil
			}
		}
		return state, nil
	}

	if state.Status != store.StatusPending && state.Status != store.StatusRunning {
		return state, nil
	}

	graph := protocol.Data.Graph
	if state.Data.Cursor == nil {
		return vm.fulfillNoExit(state), nil
	}
	cursor := *state.Data.Cursor
	node, ok := graph.Nodes[cursor]
	if !ok {
		return vm.fulfillNoExit(state), nil
	}

	switch node.Kind {
	case NodeCall:
		return vm.stepCall(protocol, state, cursor, node)
	case NodeReturn:
		state.Status = store.StatusFulfilled
		state.Data.ExitNode = strPtr(cursor)
		state.Data.Cursor = nil
		return state, nil
	default:
		return vm.stress(state, "config_error", fmt.Sprintf("unknown node kind %q", node.Kind)), nil
	}
}

func (vm *VM) fulfillNoExit(state *store.State) *store.State {
	state.Status = store.StatusFulfilled
	state.Data.Cursor = nil
	return state
}

func (vm *VM) stepCall(protocol *Protocol, state *store.State, cursor string, node Node) (*store.State, *store.State) {
	if node.Ref == "" {
		return vm.stress(state, "config_error", fmt.Sprintf("node %s missing ref", cursor)), nil
	}

	// Protocol-prefix match is tried first (spec §4.3).
	if isProtocolRef(node.Ref) {
		if vm.loader == nil {
			return vm.stress(state, "config_error", "no protocol loader configured"), nil
		}
		child, err := vm.loader(node.Ref)
		if err != nil || child == nil {
			return vm.stress(state, "protocol_error", fmt.Sprintf("protocol %s not found", node.Ref)), nil
		}

		childInputs := mapInputs(node.Inputs, state.Data.Memory)
		childState := vm.Spawn(child, childInputs)
		childState.Data.ParentStateID = state.ID
		state.Status = store.StatusSuspended
		return state, childState
	}

	rec, err := vm.primitives.Get(node.Ref)
	if err != nil {
		return vm.stress(state, "primitive_error", fmt.Sprintf("primitive %s not found", node.Ref)), nil
	}
	if rec.Handler == nil && rec.ContextHandler == nil {
		return vm.stress(state, "primitive_error", fmt.Sprintf("primitive %s not loaded", node.Ref)), nil
	}

	handlerInputs := mapInputs(node.Inputs, state.Data.Memory)

	var (
		result map[string]any
		rerr   error
	)
	if rec.AcceptsContext {
		result, rerr = rec.ContextHandler(handlerInputs, vm.ctx)
	} else {
		result, rerr = rec.Handler(handlerInputs)
	}
	if rerr != nil {
		return vm.stress(state, "runtime_error", rerr.Error()), nil
	}

	state.Data.Memory[cursor] = result
	return vm.advanceCursor(protocol.Data.Graph, state, cursor), nil
}

func isProtocolRef(ref string) bool {
	const prefix = "protocol-"
	return len(ref) >= len(prefix) && ref[:len(prefix)] == prefix
}

func (vm *VM) stress(state *store.State, kind, message string) *store.State {
	state.Status = store.StatusStressed
	state.Data.Error = &store.StateError{Kind: kind, Message: message, Details: map[string]any{}}
	return state
}

// advanceCursor implements the edge-precedence rule of spec §4.3.1:
// conditional match first (declaration order), then default, then
// unconditional; otherwise terminate FULFILLED without recording an exit
// node.
func (vm *VM) advanceCursor(graph Graph, state *store.State, currentNodeID string) *store.State {
	var candidates []Edge
	for _, e := range graph.Edges {
		if e.From == currentNodeID {
			candidates = append(candidates, e)
		}
	}

	for _, e := range candidates {
		if e.Condition != nil && evaluateCondition(e.Condition, state.Data.Memory) {
			state.Data.Cursor = strPtr(e.To)
			state.Status = store.StatusRunning
			return state
		}
	}
	for _, e := range candidates {
		if e.Default && e.Condition == nil {
			state.Data.Cursor = strPtr(e.To)
			state.Status = store.StatusRunning
			return state
		}
	}
	for _, e := range candidates {
		if e.Condition == nil && !e.Default {
			state.Data.Cursor = strPtr(e.To)
			state.Status = store.StatusRunning
			return state
		}
	}

	state.Status = store.StatusFulfilled
	state.Data.Cursor = nil
	return state
}

func strPtr(s string) *string { return &s }
