// Package kerr defines the structured error taxonomy shared by every
// kernel component: store, registry, vm, runner, and engine.
package kerr

import (
	"errors"
	"fmt"
)

// Kind is an error kind the kernel reports. The constants below are the
// fixed taxonomy; the VM additionally stresses a state with
// "primitive_error" when a CALL names a missing or unloaded primitive, and
// the runner passes that kind through unchanged.
type Kind string

const (
	IntentNotFound          Kind = "intent_not_found"
	DatabaseNotFound        Kind = "database_not_found"
	ProtocolNotFound        Kind = "protocol_not_found"
	PrimitiveNotFound       Kind = "primitive_not_found"
	PrimitiveNotLoaded      Kind = "primitive_not_loaded"
	PrimitiveExecutionError Kind = "primitive_execution_error"
	MappingError            Kind = "mapping_error"
	RuntimeError            Kind = "runtime_error"
	ProtocolError           Kind = "protocol_error"
	ConfigError             Kind = "config_error"
	StorageError            Kind = "storage_error"
)

// KernelError is the structured error every public kernel operation returns
// instead of a raw backend exception. It carries an optional wrapped cause
// so callers can still `errors.Is`/`errors.As` through it.
type KernelError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

// New builds a KernelError with no wrapped cause.
func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

// Wrap builds a KernelError that wraps an underlying error.
func Wrap(kind Kind, message string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured details and returns the same error for
// chaining at the call site.
func (e *KernelError) WithDetails(details map[string]any) *KernelError {
	e.Details = details
	return e
}

// As extracts a *KernelError from err, if any is present in its chain.
func As(err error) (*KernelError, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}
