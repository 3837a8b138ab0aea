// Package runner drives a protocol to a terminal status, managing the call
// stack that backs recursive sub-protocol execution (C4).
package runner

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/kerr"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/vm"
)

// DefaultMaxDepth is the call-stack depth at which the runner refuses to
// push another sub-protocol frame, per spec §4.4 ("a configurable limit,
// default 64").
const DefaultMaxDepth = 64

type frame struct {
	protocol *vm.Protocol
	state    *store.State
}

// Runner executes protocols against a store and a hydrated registry.
type Runner struct {
	Store     store.Store
	Registry  *registry.Registry
	MaxDepth  int
	PersonaID string
	DBPath    string
}

// New builds a Runner with the default recursion depth limit.
func New(st store.Store, reg *registry.Registry) *Runner {
	return &Runner{Store: st, Registry: reg, MaxDepth: DefaultMaxDepth}
}

// LoadProtocol fetches and parses a `protocol`-typed entity by id.
func LoadProtocol(st store.Store, protocolID string) (*vm.Protocol, error) {
	e, err := st.LoadEntity(protocolID)
	if err != nil {
		return nil, fmt.Errorf("kernel/runner: load protocol %s: %w", protocolID, err)
	}
	if e == nil || e.Type != "protocol" {
		return nil, nil
	}
	return vm.ParseProtocol(e.ID, e.Data)
}

// HydratePrimitives registers every `primitive`-typed entity into reg.
// Unresolvable handler_refs are kept with handler=nil so they still show up
// in capability listings (spec §4.4 step 1).
func HydratePrimitives(st store.Store, reg *registry.Registry) error {
	entities, err := st.ListEntitiesByType("primitive")
	if err != nil {
		return fmt.Errorf("kernel/runner: hydrate primitives: %w", err)
	}
	for _, e := range entities {
		if err := reg.RegisterFromEntity(e.ID, e.Data); err != nil {
			log.Warn().Err(err).Str("entity_id", e.ID).Msg("failed to register primitive entity")
		}
	}
	return nil
}

// Result is what Run returns: either a successful output map, or a
// structured error describing the first STRESSED state encountered.
type Result struct {
	Output map[string]any
	Err    *kerr.KernelError
}

// Execute is the top-level entry point matching spec §4.4's
// `execute_protocol`. It hydrates the registry, loads the protocol, wires
// the nested-invoker, and drives the run to completion.
func Execute(st store.Store, dbPath, protocolID string, inputs map[string]any, personaID, stateID string, sink execctx.OutputSink) Result {
	reg := registry.New(nil)
	if err := HydratePrimitives(st, reg); err != nil {
		return Result{Err: kerr.Wrap(kerr.StorageError, "hydrate primitives", err)}
	}

	protocol, err := LoadProtocol(st, protocolID)
	if err != nil {
		return Result{Err: kerr.Wrap(kerr.StorageError, "load protocol", err)}
	}
	if protocol == nil {
		return Result{Err: kerr.New(kerr.ProtocolNotFound, protocolID)}
	}

	r := New(st, reg)
	r.PersonaID = personaID
	r.DBPath = dbPath
	return r.Run(protocol, inputs, stateID, sink)
}

// Run drives protocol to completion against r's store and registry. inputs
// is merged with `{db_path, persona_id?}` exactly as spec §4.4 step 4
// describes, then used to spawn the root state.
func (r *Runner) Run(protocol *vm.Protocol, inputs map[string]any, stateID string, sink execctx.OutputSink) Result {
	full := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		full[k] = v
	}
	full["db_path"] = r.DBPath
	if r.PersonaID != "" {
		full["persona_id"] = r.PersonaID
	}

	loader := func(ref string) (*vm.Protocol, error) {
		return LoadProtocol(r.Store, ref)
	}

	r.Registry.SetProtocolInvoker(func(pid string, pinputs map[string]any) (map[string]any, error) {
		nested, err := LoadProtocol(r.Store, pid)
		if err != nil {
			return nil, fmt.Errorf("kernel/runner: load nested protocol %s: %w", pid, err)
		}
		if nested == nil {
			return nil, kerr.New(kerr.ProtocolNotFound, pid)
		}
		result := r.Run(nested, pinputs, "", sink)
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Output, nil
	})

	ctx := &execctx.ExecutionContext{Store: r.Store, DBPath: r.DBPath, PersonaID: r.PersonaID, StateID: stateID, Sink: sink}
	machine := vm.New(r.Registry, loader, ctx)

	root := machine.Spawn(protocol, full)
	if stateID == "" {
		stateID = "state-" + uuid.NewString()
	}
	root.ID = stateID
	root.Status = store.StatusRunning
	ctx.StateID = stateID

	stack := []frame{{protocol: protocol, state: root}}
	depth := 1

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.state.Status == store.StatusFulfilled {
			popped := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			depth--
			if len(stack) > 0 {
				parent := &stack[len(stack)-1]
				result := machine.ExtractOutput(popped.protocol, popped.state)
				updated, _ := machine.Step(parent.protocol, parent.state, result)
				parent.state = updated
			}
			_ = r.Store.SaveState(popped.state)
			continue
		}

		if top.state.Status == store.StatusStressed {
			e := top.state.Data.Error
			kind := kerr.RuntimeError
			msg := "unknown error"
			if e != nil {
				kind = kerr.Kind(e.Kind)
				msg = e.Message
			}
			_ = r.Store.SaveState(top.state)
			return Result{Err: kerr.New(kind, msg)}
		}

		updated, child := machine.Step(top.protocol, top.state, nil)
		top.state = updated
		_ = r.Store.SaveState(top.state)

		if child != nil {
			if depth+1 > r.MaxDepth {
				return Result{Err: kerr.New(kerr.ProtocolError, "recursion depth limit exceeded")}
			}
			childProtocol, err := loader(child.Data.ProtocolID)
			if err != nil || childProtocol == nil {
				return Result{Err: kerr.New(kerr.ProtocolError, fmt.Sprintf("protocol %s not found", child.Data.ProtocolID))}
			}
			child.ID = "state-" + uuid.NewString()
			child.Status = store.StatusRunning
			_ = r.Store.SaveState(child)
			stack = append(stack, frame{protocol: childProtocol, state: child})
			depth++
		}
	}

	return Result{Output: machine.ExtractOutput(protocol, root)}
}
