// Package nnbridge lets a synchronous WebAssembly engine drive asynchronous
// neural-network inference and line-oriented terminal I/O.
//
// The engine (a board-game engine compiled to a core wasm module) imports
// ordinary blocking functions such as downloadModel, predict and nextByte.
// The bridge serves those imports from wazero host functions: each blocking
// import parks the guest's goroutine on a single-shot token while the work
// runs asynchronously, then resumes the guest with a 1/0 status.
//
// # Architecture Overview
//
//	nnbridge/        Root package with the linear Memory interface
//	├── bridge/      Event loop and the suspend/resume primitive
//	├── bufview/     Zero-copy typed views over linear memory
//	├── backend/     Backend identities, probes and the fallback selector
//	├── inference/   Model session, capability interfaces, output layout
//	├── refgraph/    Reference dense-head executor (CPU and compiled backends)
//	├── repository/  metadata.json / model.json fetch over file, http and gs
//	├── lineio/      Line stream multiplexer for the engine's stdin/stdout
//	├── host/        The wazero "env" host module exposing the call surface
//	├── runtime/     wazero runtime, WASI stdio and bootstrap targets
//	├── config/      YAML config, query-style overrides, logger setup
//	├── metrics/     Prometheus collectors
//	├── errors/      Structured error types for debugging
//	├── testbed/     Tiny wasm guest assembler for host tests
//	├── examples/    Runnable guest against a synthetic model
//	└── cmd/run/     CLI and terminal UI
//
// # Quick Start
//
//	cfg, err := config.Load("nnbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	target, err := cfg.Selected()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := runtime.New(ctx, cfg.Engine, target)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	rt.Stream().Submit("genmove b")
//	if err := rt.RunFile(ctx, target.Engine); err != nil {
//	    log.Fatal(err)
//	}
//
// # Blocking Model
//
// Only one suspension may be outstanding at a time; the engine never issues a
// second blocking import before the first returns, and the bridge rejects a
// concurrent one. There is no timeout: once a download or predict starts it
// runs to success or failure. Closing the runtime interrupts the engine at its
// next call boundary.
//
// # Memory Model
//
// Input tensors alias the guest's linear memory for the duration of a single
// predict call. The guest is parked for that whole duration, so it cannot
// mutate, grow or free the regions being read.
package nnbridge
