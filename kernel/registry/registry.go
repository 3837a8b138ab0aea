// Package registry binds primitive identifiers to callable handlers and
// holds the hook (installed by the runner at the start of each run)
// primitives use to recurse into
// sub-protocols without taking a compile-time dependency on the runner
// (C2).
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/kerr"
)

// Handler is a primitive that does not need the execution context.
type Handler func(inputs map[string]any) (map[string]any, error)

// ContextHandler is a primitive that declares the execution-context
// parameter; the VM and Engine both consult AcceptsContext on the
// registration record to decide which of Handler/ContextHandler to invoke,
// replacing the reference implementation's signature reflection (spec §9,
// "Dynamic dispatch on primitive signature").
type ContextHandler func(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error)

// PrimitiveInterface describes a capability's declared inputs/outputs for
// capability listing.
type PrimitiveInterface struct {
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Description string         `json:"description,omitempty"`
}

type primitiveEntityData struct {
	HandlerRef  string         `json:"handler_ref"`
	Description string         `json:"description"`
	Interface   PrimitiveInterface `json:"interface"`
}

// Record is what the registry keeps per primitive id: the backing entity
// plus whichever handler resolution produced (nil if the handler_ref could
// not be resolved — the record is still kept so capability listing works).
type Record struct {
	EntityID       string
	HandlerRef     string
	Description    string
	Interface      PrimitiveInterface
	Handler        Handler
	ContextHandler ContextHandler
	AcceptsContext bool
}

// ProtocolInvoker runs a sub-protocol to completion and returns its output.
type ProtocolInvoker func(protocolID string, inputs map[string]any) (map[string]any, error)

// Resolver looks up a handler (or ContextHandler) for a handler_ref string.
// In a process with a static symbol table this is typically a map lookup;
// it stands in for the reference implementation's `importlib` resolution.
type Resolver func(handlerRef string) (Handler, ContextHandler, bool)

// Registry is the primitive registry (C2). Short-name resolution is served
// from a plain map keyed by the stripped/underscored variants registered at
// hydration time, rather than a dependency whose generic public API could
// not be confirmed in this offline environment (see DESIGN.md).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // registration order, for deterministic capability listing
	short   map[string]string

	resolver Resolver
	invoker  ProtocolInvoker
}

// New creates an empty registry bound to a handler resolver.
func New(resolver Resolver) *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		short:    make(map[string]string),
		resolver: resolver,
	}
}

// SetProtocolInvoker installs the callback primitives use to invoke
// sub-protocols. The registry holds one invoker at a time and each call
// replaces the previous one; the runner installs a fresh invoker at the
// start of every run, so a registry shared by concurrent runs holds only
// the most recently installed invoker.
func (r *Registry) SetProtocolInvoker(invoker ProtocolInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoker = invoker
}

// InvokeProtocol runs protocolID via the installed invoker.
func (r *Registry) InvokeProtocol(protocolID string, inputs map[string]any) (map[string]any, error) {
	r.mu.RLock()
	invoker := r.invoker
	r.mu.RUnlock()
	if invoker == nil {
		return nil, kerr.New(kerr.RuntimeError, "no protocol invoker registered")
	}
	return invoker(protocolID, inputs)
}

// RegisterFromEntity resolves a primitive entity's handler_ref and stores
// the record, whether or not resolution succeeded. Any resolution error —
// a missing symbol, an invalid ref, anything — collapses to handler=nil
// rather than aborting hydration (spec §4.2; §C.6 of the supplemented
// feature list).
func (r *Registry) RegisterFromEntity(id string, data json.RawMessage) error {
	var payload primitiveEntityData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("kernel/registry: unmarshal primitive entity %s: %w", id, err)
	}

	rec := &Record{
		EntityID:    id,
		HandlerRef:  payload.HandlerRef,
		Description: payload.Description,
		Interface:   payload.Interface,
	}

	if r.resolver != nil {
		if h, ch, ok := safeResolve(r.resolver, payload.HandlerRef); ok {
			rec.Handler = h
			rec.ContextHandler = ch
			rec.AcceptsContext = ch != nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[id]; !exists {
		r.order = append(r.order, id)
	}
	r.records[id] = rec
	short := ShortName(id)
	if _, taken := r.short[short]; !taken {
		r.short[short] = id
	}
	if underscored := strings.ReplaceAll(short, "-", "_"); underscored != short {
		if _, taken := r.short[underscored]; !taken {
			r.short[underscored] = id
		}
	}
	return nil
}

// safeResolve insulates hydration from a panicking resolver, matching the
// reference implementation's bare `except Exception`.
func safeResolve(resolver Resolver, ref string) (h Handler, ch ContextHandler, ok bool) {
	defer func() {
		if recover() != nil {
			h, ch, ok = nil, nil, false
		}
	}()
	return resolver(ref)
}

// Get returns the record for primitive_id, or a primitive_not_found error.
func (r *Registry) Get(primitiveID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[primitiveID]
	if !ok {
		return nil, kerr.New(kerr.PrimitiveNotFound, primitiveID)
	}
	return rec, nil
}

// Lookup resolves an exact id or a short-name/underscore variant, in that
// order, returning the winning primitive id and its record.
func (r *Registry) Lookup(intent string) (string, *Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.records[intent]; ok {
		return intent, rec, true
	}
	if id, ok := r.short[intent]; ok {
		if rec, ok2 := r.records[id]; ok2 {
			return id, rec, true
		}
	}
	return "", nil, false
}

// ShortName strips the "primitive-" prefix a primitive entity id carries,
// if present.
func ShortName(id string) string {
	const prefix = "primitive-"
	if strings.HasPrefix(id, prefix) {
		return id[len(prefix):]
	}
	return id
}

// List returns every registered record in registration order, matching the
// order entities come back from the store (spec §9's tie-break rationale:
// "whichever is found first while iterating the list in the order the
// store returns them").
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}
