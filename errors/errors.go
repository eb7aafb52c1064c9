package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseTransport Phase = "transport" // metadata and model fetch
	PhaseBackend   Phase = "backend"   // backend probe and activation
	PhaseInference Phase = "inference" // graph execution and output scatter
	PhaseProtocol  Phase = "protocol"  // host call discipline
	PhaseMemory    Phase = "memory"    // linear memory views
	PhaseConfig    Phase = "config"    // configuration loading
	PhaseLoad      Phase = "load"      // engine and model loading
	PhaseRuntime   Phase = "runtime"   // runtime operations
	PhaseHost      Phase = "host"      // host module registration
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindInvalidInput   Kind = "invalid_input"
	KindUnsupported    Kind = "unsupported"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindUnavailable    Kind = "unavailable"
	KindActivation     Kind = "activation"
	KindExecution      Kind = "execution"
	KindMisuse         Kind = "misuse"
	KindBusy           Kind = "busy"
	KindClosed         Kind = "closed"
	KindPanic          Kind = "panic"
	KindRegistration   Kind = "registration"
	KindInstantiation  Kind = "instantiation"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name, usually the host import being served
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching on phase and kind.
var (
	ErrTransport  = &Error{Phase: PhaseTransport, Kind: KindUnavailable}
	ErrActivation = &Error{Phase: PhaseBackend, Kind: KindActivation}
	ErrExecution  = &Error{Phase: PhaseInference, Kind: KindExecution}
	ErrMisuse     = &Error{Phase: PhaseProtocol, Kind: KindMisuse}
	ErrBusy       = &Error{Phase: PhaseProtocol, Kind: KindBusy}
	ErrClosed     = &Error{Phase: PhaseRuntime, Kind: KindClosed}
)

// Convenience constructors for the failure taxonomy

// Transport creates a fetch failure for metadata, graph or weight shards
func Transport(location string, cause error) *Error {
	return &Error{
		Phase:  PhaseTransport,
		Kind:   KindUnavailable,
		Detail: fmt.Sprintf("fetch %s", location),
		Cause:  cause,
	}
}

// TransportNotFound creates a fetch failure for a missing object
func TransportNotFound(location string, cause error) *Error {
	return &Error{
		Phase:  PhaseTransport,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s not found", location),
		Cause:  cause,
	}
}

// Activation creates a backend activation failure
func Activation(backend string, cause error) *Error {
	return &Error{
		Phase:  PhaseBackend,
		Kind:   KindActivation,
		Detail: fmt.Sprintf("activate %s", backend),
		Value:  backend,
		Cause:  cause,
	}
}

// BackendUnavailable creates an error for a backend the platform cannot run
func BackendUnavailable(backend string) *Error {
	return &Error{
		Phase:  PhaseBackend,
		Kind:   KindUnavailable,
		Detail: fmt.Sprintf("backend %s is not available", backend),
		Value:  backend,
	}
}

// Execution creates an inference failure
func Execution(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseInference,
		Kind:   KindExecution,
		Detail: detail,
		Cause:  cause,
	}
}

// Misuse creates a protocol misuse error
func Misuse(op, detail string) *Error {
	return &Error{
		Phase:  PhaseProtocol,
		Kind:   KindMisuse,
		Op:     op,
		Detail: detail,
	}
}

// Busy creates an error for a second outstanding suspension
func Busy(op string) *Error {
	return &Error{
		Phase:  PhaseProtocol,
		Kind:   KindBusy,
		Op:     op,
		Detail: "another suspension is outstanding",
	}
}

// Closed creates an error for use after shutdown
func Closed(component string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", component),
	}
}

// Recovered converts a recovered panic value into an error
func Recovered(op string, v any) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindPanic,
		Op:     op,
		Detail: fmt.Sprintf("panic: %v", v),
		Value:  v,
	}
}

// OutOfBounds creates an out of bounds error for a linear memory access
func OutOfBounds(offset, byteCount, size uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("region [%d, +%d) exceeds memory size %d", offset, byteCount, size),
		Value:  offset,
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Registration creates a host function registration error
func Registration(module, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s.%s", module, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate engine",
		Cause:  cause,
	}
}

// Load creates a loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Config creates a configuration error
func Config(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}
