// Package execctx defines the ExecutionContext every primitive handler may
// be invoked with (spec §4.3.2): a handle to the store, the db path, an
// optional persona id, an optional state id, and the output sink — the only
// user-visible output channel a handler has, decoupling primitive logic
// from whatever UI or transport framing sits outside the kernel (the
// "Membrane" pattern).
package execctx

import (
	"fmt"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
)

// OutputSink receives user-visible text emitted by a handler.
type OutputSink func(content string)

// ExecutionContext is never serialized with a state snapshot; it is
// reconstructed fresh for every run.
type ExecutionContext struct {
	Store     store.Store
	DBPath    string
	PersonaID string
	StateID   string
	Sink      OutputSink
}

// Emit writes content to the sink, or to standard output if none was
// supplied, matching the reference implementation's fallback.
func (c *ExecutionContext) Emit(content string) {
	if c == nil || c.Sink == nil {
		fmt.Println(content)
		return
	}
	c.Sink(content)
}
