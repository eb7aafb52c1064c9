// Package backend names the inference backends and selects one with fallback.
package backend

import (
	"context"
	"strconv"
	"strings"
)

// Backend identifies an inference execution backend.
// The numeric values are the ones the engine passes to setBackend.
type Backend int32

const (
	None        Backend = -1
	Auto        Backend = 0
	CPU         Backend = 1
	Accelerated Backend = 2
	Compiled    Backend = 3
	GPU         Backend = 4
)

var names = map[Backend]string{
	None:        "none",
	Auto:        "auto",
	CPU:         "cpu",
	Accelerated: "accelerated",
	Compiled:    "compiled",
	GPU:         "gpu",
}

var aliases = map[string]Backend{
	"none":        None,
	"auto":        Auto,
	"cpu":         CPU,
	"accelerated": Accelerated,
	"webgl":       Accelerated,
	"compiled":    Compiled,
	"wasm":        Compiled,
	"gpu":         GPU,
	"webgpu":      GPU,
}

func (b Backend) String() string {
	if s, ok := names[b]; ok {
		return s
	}
	return "backend(" + strconv.Itoa(int(b)) + ")"
}

// Valid reports whether b is a value setBackend accepts.
func (b Backend) Valid() bool {
	return b >= Auto && b <= GPU
}

// Concrete reports whether b names an actual backend rather than a request.
func (b Backend) Concrete() bool {
	return b >= CPU && b <= GPU
}

// Wire returns the value reported to the engine by getBackend.
// An uninitialized selector reports 0.
func (b Backend) Wire() int32 {
	if b == None {
		return 0
	}
	return int32(b)
}

// Parse accepts a backend name, a historical alias or a numeric id.
func Parse(s string) (Backend, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if b, ok := aliases[s]; ok {
		return b, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return None, false
	}
	b := Backend(n)
	if !b.Valid() {
		return None, false
	}
	return b, true
}

// All returns the concrete backends in preference order for AUTO.
func All() []Backend {
	return []Backend{GPU, Accelerated, Compiled, CPU}
}

// Platform probes and activates backends on the host machine.
type Platform interface {
	// Probe reports whether b looks usable without activating it.
	Probe(b Backend) bool
	// Activate makes b the backend for subsequent inference.
	Activate(ctx context.Context, b Backend) error
}
