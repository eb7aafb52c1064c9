// Package refgraph is a small reference inference capability.
//
// It executes "dense-heads" models: a model.json in the tfjs layout with a
// weightsManifest of little-endian float32 shards, plus a list of dense
// output heads evaluated over per-channel board means and the global inputs.
// It exists so the bridge can run end to end without an external tensor
// library; production models are out of its scope.
//
// Engine implements both inference.Runtime and backend.Platform. The CPU
// backend evaluates heads one after another, the compiled backend evaluates
// them concurrently. Accelerated and GPU backends are probed from device
// nodes but cannot be activated: this build carries no device kernels.
package refgraph

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/errors"
	"github.com/wippyai/nnbridge/inference"
)

var defaultDevices = map[backend.Backend][]string{
	backend.Accelerated: {"/dev/dri/renderD*"},
	backend.GPU:         {"/dev/nvidia[0-9]*"},
}

type Option func(*Engine)

// WithDevicePatterns overrides the device node globs probed for b.
func WithDevicePatterns(b backend.Backend, patterns ...string) Option {
	return func(e *Engine) {
		e.devices[b] = patterns
	}
}

// Engine loads graphs and owns the active backend.
type Engine struct {
	src     Source
	devices map[backend.Backend][]string
	active  atomic.Int32
}

var (
	_ inference.Runtime = (*Engine)(nil)
	_ backend.Platform  = (*Engine)(nil)
)

func New(src Source, opts ...Option) *Engine {
	e := &Engine{src: src, devices: make(map[backend.Backend][]string)}
	for b, p := range defaultDevices {
		e.devices[b] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	e.active.Store(int32(backend.None))
	return e
}

// Active returns the backend graphs execute on.
func (e *Engine) Active() backend.Backend {
	return backend.Backend(e.active.Load())
}

func (e *Engine) Probe(b backend.Backend) bool {
	switch b {
	case backend.CPU, backend.Compiled:
		return true
	case backend.Accelerated, backend.GPU:
		for _, pattern := range e.devices[b] {
			if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (e *Engine) Activate(_ context.Context, b backend.Backend) error {
	switch b {
	case backend.CPU, backend.Compiled:
		e.active.Store(int32(b))
		Logger().Debug("backend activated", zap.Stringer("backend", b))
		return nil
	case backend.Accelerated, backend.GPU:
		if !e.Probe(b) {
			return errors.BackendUnavailable(b.String())
		}
		return errors.Unsupported(errors.PhaseBackend, b.String()+" kernels are not built in")
	default:
		return errors.InvalidInput(errors.PhaseBackend, "cannot activate "+b.String())
	}
}

// LoadGraph reads <path>/model.json and its weight shards.
func (e *Engine) LoadGraph(ctx context.Context, path string) (inference.Graph, error) {
	m, err := load(ctx, e.src, path)
	if err != nil {
		return nil, err
	}
	g := &Graph{engine: e}
	g.m.Store(m)
	Logger().Info("graph loaded",
		zap.String("path", path),
		zap.Int("heads", len(m.heads)),
		zap.Int("inputChannels", m.inputChannels),
		zap.Int("globalChannels", m.globalChannels))
	return g, nil
}
