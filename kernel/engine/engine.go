// Package engine implements the unified dispatch entry point (C5): given an
// intent (an exact entity id or a short name) and a map of inputs, it
// resolves the intent against whichever of protocol or primitive entities
// match, drives execution through the runner or the registry directly, and
// normalizes the outcome into a single result shape regardless of which kind
// of capability was invoked.
package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/kerr"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/runner"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/vm"
)

// CapabilityKind distinguishes the two entity types the engine can dispatch
// to.
type CapabilityKind string

const (
	CapabilityProtocol  CapabilityKind = "protocol"
	CapabilityPrimitive CapabilityKind = "primitive"
)

// Capability describes one dispatchable entity for listing purposes.
type Capability struct {
	ID          string              `json:"id"`
	ShortName   string              `json:"short_name"`
	Kind        CapabilityKind      `json:"kind"`
	Description string              `json:"description,omitempty"`
	Interface   registry.PrimitiveInterface `json:"interface"`
}

// DispatchResult is the single normalized shape every dispatch call
// returns, whether it resolved to a protocol run or a primitive call.
type DispatchResult struct {
	OK           bool           `json:"ok"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func failResult(err *kerr.KernelError) DispatchResult {
	return DispatchResult{OK: false, ErrorKind: string(err.Kind), ErrorMessage: err.Message}
}

// Engine owns the store and the hydrated primitive registry for the process
// lifetime, and is the one place intent resolution happens.
type Engine struct {
	Store    store.Store
	Registry *registry.Registry
	MaxDepth int
	DBPath   string
}

// New builds an Engine bound to st, hydrating the primitive registry from
// every `primitive`-typed entity using resolver to turn handler_ref strings
// into callables. dbPath is threaded into every execution context as
// `db_path`, per spec §4.4 step 4.
func New(st store.Store, resolver registry.Resolver, dbPath string) (*Engine, error) {
	reg := registry.New(resolver)
	if err := runner.HydratePrimitives(st, reg); err != nil {
		return nil, fmt.Errorf("kernel/engine: hydrate primitives: %w", err)
	}
	return &Engine{Store: st, Registry: reg, MaxDepth: runner.DefaultMaxDepth, DBPath: dbPath}, nil
}

// Rehydrate re-scans `primitive`-typed entities, picking up any registered
// since New ran. Protocol entities need no such step; they are loaded
// on demand by id.
func (e *Engine) Rehydrate() error {
	return runner.HydratePrimitives(e.Store, e.Registry)
}

// resolved is what intent resolution produces: which kind of capability won,
// and its canonical entity id.
type resolved struct {
	kind CapabilityKind
	id   string
}

// resolveIntent implements spec §4.5/§9's resolution order: an exact entity
// id match wins outright, tried against both prefixed forms; failing that,
// intent is matched as a short name (with the `protocol-`/`primitive-`
// prefix stripped, and for primitives an underscore-for-hyphen variant) —
// and when both a protocol and a primitive would match the same short name,
// the protocol wins the tie (spec's recommended resolution).
func (e *Engine) resolveIntent(intent string) (*resolved, error) {
	if ent, err := e.Store.LoadEntity(intent); err != nil {
		return nil, fmt.Errorf("kernel/engine: load entity %s: %w", intent, err)
	} else if ent != nil {
		switch ent.Type {
		case "protocol":
			return &resolved{kind: CapabilityProtocol, id: ent.ID}, nil
		case "primitive":
			return &resolved{kind: CapabilityPrimitive, id: ent.ID}, nil
		}
	}

	protocols, err := e.Store.ListEntitiesByType("protocol")
	if err != nil {
		return nil, fmt.Errorf("kernel/engine: list protocols: %w", err)
	}
	for _, p := range protocols {
		if shortProtocolName(p.ID) == intent {
			return &resolved{kind: CapabilityProtocol, id: p.ID}, nil
		}
	}

	if id, _, ok := e.Registry.Lookup(intent); ok {
		return &resolved{kind: CapabilityPrimitive, id: id}, nil
	}

	return nil, kerr.New(kerr.IntentNotFound, intent)
}

func shortProtocolName(id string) string {
	const prefix = "protocol-"
	if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return id
}

// Dispatch resolves intent, runs it, and returns a normalized result. sink
// receives any output a primitive or protocol-embedded primitive emits;
// personaID and stateID are forwarded to the execution context, stateID
// becoming the snapshot id for protocol runs (auto-generated if empty).
func (e *Engine) Dispatch(intent string, inputs map[string]any, sink execctx.OutputSink, personaID, stateID string) DispatchResult {
	r, err := e.resolveIntent(intent)
	if err != nil {
		if ke, ok := kerr.As(err); ok {
			return failResult(ke)
		}
		return failResult(kerr.Wrap(kerr.RuntimeError, "resolve intent", err))
	}

	switch r.kind {
	case CapabilityProtocol:
		return e.dispatchProtocol(r.id, inputs, sink, personaID, stateID)
	case CapabilityPrimitive:
		return e.dispatchPrimitive(r.id, inputs, sink, personaID, stateID)
	default:
		return failResult(kerr.New(kerr.RuntimeError, fmt.Sprintf("unreachable capability kind %q", r.kind)))
	}
}

func (e *Engine) dispatchProtocol(protocolID string, inputs map[string]any, sink execctx.OutputSink, personaID, stateID string) DispatchResult {
	protocol, err := runner.LoadProtocol(e.Store, protocolID)
	if err != nil {
		return failResult(kerr.Wrap(kerr.StorageError, "load protocol", err))
	}
	if protocol == nil {
		return failResult(kerr.New(kerr.ProtocolNotFound, protocolID))
	}

	run := &runner.Runner{Store: e.Store, Registry: e.Registry, MaxDepth: e.MaxDepth, PersonaID: personaID, DBPath: e.DBPath}
	result := run.Run(protocol, inputs, stateID, sink)
	if result.Err != nil {
		return failResult(result.Err)
	}
	return DispatchResult{OK: true, Data: result.Output}
}

// dispatchPrimitive invokes a primitive directly, bypassing the VM, for
// intents that resolved straight to a capability rather than a protocol
// graph node. Inputs pass through unresolved — there is no memory to
// address expressions against at this entry point. Handlers return a map by
// signature, so there is no non-map value to wrap; a nil map is returned as
// an empty one so DispatchResult.Data is never nil on success.
func (e *Engine) dispatchPrimitive(primitiveID string, inputs map[string]any, sink execctx.OutputSink, personaID, stateID string) (result DispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Interface("panic", p).Str("primitive_id", primitiveID).Msg("primitive panicked during dispatch")
			result = failResult(kerr.New(kerr.PrimitiveExecutionError, fmt.Sprintf("primitive %s panicked: %v", primitiveID, p)))
		}
	}()

	rec, err := e.Registry.Get(primitiveID)
	if err != nil {
		return failResult(kerr.New(kerr.PrimitiveNotFound, primitiveID))
	}
	if rec.Handler == nil && rec.ContextHandler == nil {
		return failResult(kerr.New(kerr.PrimitiveNotLoaded, primitiveID))
	}

	ctx := &execctx.ExecutionContext{Store: e.Store, DBPath: e.DBPath, PersonaID: personaID, StateID: stateID, Sink: sink}

	var out map[string]any
	if rec.AcceptsContext {
		out, err = rec.ContextHandler(inputs, ctx)
	} else {
		out, err = rec.Handler(inputs)
	}
	if err != nil {
		return failResult(kerr.Wrap(kerr.PrimitiveExecutionError, primitiveID, err))
	}
	if out == nil {
		out = map[string]any{}
	}
	return DispatchResult{OK: true, Data: out}
}

// ListCapabilities enumerates every dispatchable protocol and primitive
// entity, protocols first, each in store order.
func (e *Engine) ListCapabilities() ([]Capability, error) {
	var caps []Capability

	protocols, err := e.Store.ListEntitiesByType("protocol")
	if err != nil {
		return nil, fmt.Errorf("kernel/engine: list protocols: %w", err)
	}
	for _, p := range protocols {
		proto, err := vm.ParseProtocol(p.ID, p.Data)
		if err != nil {
			log.Warn().Err(err).Str("entity_id", p.ID).Msg("skipping unparseable protocol entity in capability listing")
			continue
		}
		caps = append(caps, Capability{
			ID:          p.ID,
			ShortName:   shortProtocolName(p.ID),
			Kind:        CapabilityProtocol,
			Description: proto.Data.Interface.Description,
			Interface: registry.PrimitiveInterface{
				Inputs:      proto.Data.Interface.Inputs,
				Outputs:     proto.Data.Interface.Outputs,
				Description: proto.Data.Interface.Description,
			},
		})
	}

	for _, rec := range e.Registry.List() {
		caps = append(caps, Capability{
			ID:          rec.EntityID,
			ShortName:   registry.ShortName(rec.EntityID),
			Kind:        CapabilityPrimitive,
			Description: rec.Description,
			Interface:   rec.Interface,
		})
	}

	return caps, nil
}
