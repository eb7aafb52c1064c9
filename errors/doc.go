// Package errors provides structured error types for the bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The failure taxonomy of the host call surface maps onto phases:
//
//	transport  metadata, graph or shard fetch failed
//	backend    requested or fallback backend could not activate
//	inference  graph execution failed or produced malformed tensors
//	protocol   predict without a model, during a backend switch, or a second suspension
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseInference, errors.KindExecution).
//		Op("predict").
//		Detail("tensor %d has %d elements", i, n).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Transport(location, cause)
//	err := errors.Misuse("predict", "no model loaded")
//
// All errors implement the standard error interface and support errors.Is/As.
// errors.Is matches on Phase and Kind, so the exported sentinels work as targets:
//
//	if errors.Is(err, errors.ErrMisuse) { ... }
//
// None of these errors cross into the wasm guest: the host import layer turns
// them into 1/0 status codes and logs them.
package errors
