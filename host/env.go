// Package host exposes the bridge to the engine as the wazero "env" module.
//
// Every import uses the engine's C calling convention: i32 arguments, i32
// results, 1 for success and 0 for failure. Strings are NUL-terminated and
// passed by pointer into the engine's linear memory. Blocking imports park
// the calling goroutine through the bridge and never surface Go errors to
// the guest.
package host

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/bufview"
	"github.com/wippyai/nnbridge/errors"
	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/lineio"
)

// ModuleName is the import module the engine links against.
const ModuleName = "env"

// DefaultMaxPath bounds model path strings read from guest memory.
const DefaultMaxPath = 4096

// Engine status codes passed to statusHandler.
const (
	StatusReady  int32 = 1
	StatusFailed int32 = -1
)

// Env holds what the host imports operate on.
type Env struct {
	Selector *backend.Selector
	Session  *inference.Session
	Stream   *lineio.Stream
	// OnStatus receives statusHandler codes. May be nil.
	OnStatus func(code int32)
	MaxPath  uint32
}

type hostFunc struct {
	fn      api.GoModuleFunc
	name    string
	params  int
	results int
}

func (e *Env) functions() []hostFunc {
	return []hostFunc{
		{name: "getBackend", fn: e.getBackend, results: 1},
		{name: "setBackend", fn: e.setBackend, params: 1, results: 1},
		{name: "downloadMetadata", fn: e.downloadMetadata, params: 1, results: 1},
		{name: "downloadModel", fn: e.downloadModel, params: 1, results: 1},
		{name: "removeModel", fn: e.removeModel},
		{name: "predict", fn: e.predict, params: 10, results: 1},
		{name: "getModelVersion", fn: e.getModelVersion, results: 1},
		{name: "jsGetModelVersion", fn: e.getModelVersion, results: 1},
		{name: "nextByte", fn: e.nextByte, results: 1},
		{name: "putByte", fn: e.putByte, params: 1},
		{name: "statusHandler", fn: e.statusHandler, params: 1},
	}
}

// Names returns the exported import names.
func (e *Env) Names() []string {
	fns := e.functions()
	names := make([]string, len(fns))
	for i, f := range fns {
		names[i] = f.name
	}
	return names
}

// Instantiate registers the env module in rt.
func (e *Env) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	if e.Selector == nil || e.Session == nil || e.Stream == nil {
		return nil, errors.NotInitialized(errors.PhaseHost, "host environment")
	}
	builder := rt.NewHostModuleBuilder(ModuleName)
	for _, f := range e.functions() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, i32s(f.params), i32s(f.results)).
			WithName(f.name).
			Export(f.name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(ModuleName, "*", err)
	}
	return mod, nil
}

func i32s(n int) []api.ValueType {
	if n == 0 {
		return nil
	}
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

func (e *Env) getBackend(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(e.Selector.Get().Wire())
}

func (e *Env) setBackend(ctx context.Context, _ api.Module, stack []uint64) {
	req := backend.Backend(api.DecodeI32(stack[0]))
	stack[0] = bridge.Status(e.Selector.Set(ctx, req))
}

func (e *Env) downloadMetadata(ctx context.Context, mod api.Module, stack []uint64) {
	path, ok := e.readPath(mod, "downloadMetadata", stack[0])
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = bridge.Status(e.Session.LoadMetadata(ctx, path))
}

func (e *Env) downloadModel(ctx context.Context, mod api.Module, stack []uint64) {
	path, ok := e.readPath(mod, "downloadModel", stack[0])
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = bridge.Status(e.Session.Download(ctx, path))
}

func (e *Env) removeModel(context.Context, api.Module, []uint64) {
	e.Session.Unload()
}

func (e *Env) predict(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	if mem == nil {
		Logger().Warn("predict called without guest memory")
		stack[0] = 0
		return
	}
	req := inference.PredictRequest{
		BatchCount:     api.DecodeU32(stack[0]),
		Input:          api.DecodeU32(stack[1]),
		BoardCells:     api.DecodeU32(stack[2]),
		InputChannels:  api.DecodeU32(stack[3]),
		GlobalInput:    api.DecodeU32(stack[4]),
		GlobalChannels: api.DecodeU32(stack[5]),
		Values:         api.DecodeU32(stack[6]),
		MiscValues:     api.DecodeU32(stack[7]),
		Ownerships:     api.DecodeU32(stack[8]),
		Policies:       api.DecodeU32(stack[9]),
	}
	stack[0] = bridge.Status(e.Session.Predict(ctx, mem, req))
}

func (e *Env) getModelVersion(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(int32(e.Session.Version()))
}

func (e *Env) nextByte(_ context.Context, _ api.Module, stack []uint64) {
	c, ok := e.Stream.NextByte()
	if !ok {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeI32(int32(c))
}

func (e *Env) putByte(_ context.Context, _ api.Module, stack []uint64) {
	e.Stream.PutByte(byte(api.DecodeI32(stack[0])))
}

func (e *Env) statusHandler(_ context.Context, _ api.Module, stack []uint64) {
	code := api.DecodeI32(stack[0])
	Logger().Debug("engine status", zap.Int32("code", code))
	if e.OnStatus != nil {
		e.OnStatus(code)
	}
}

func (e *Env) readPath(mod api.Module, op string, ptr uint64) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		Logger().Warn("import called without guest memory", zap.String("op", op))
		return "", false
	}
	maxLen := e.MaxPath
	if maxLen == 0 {
		maxLen = DefaultMaxPath
	}
	path, err := bufview.ReadCString(mem, api.DecodeU32(ptr), maxLen)
	if err != nil {
		Logger().Warn("bad model path", zap.String("op", op), zap.Error(err))
		return "", false
	}
	return path, true
}
