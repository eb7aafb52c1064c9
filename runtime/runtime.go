package runtime

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/config"
	"github.com/wippyai/nnbridge/errors"
	"github.com/wippyai/nnbridge/host"
	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/lineio"
	"github.com/wippyai/nnbridge/metrics"
	"github.com/wippyai/nnbridge/refgraph"
	"github.com/wippyai/nnbridge/repository"
)

type options struct {
	sink      lineio.LineSink
	collector *metrics.Collector
	stderr    io.Writer
	onStatus  func(code int32)
	fetch     []repository.Option
	graph     []refgraph.Option
}

type Option func(*options)

// WithSink receives every submitted and every engine-written line.
func WithSink(s lineio.LineSink) Option {
	return func(o *options) { o.sink = s }
}

// WithMetrics attaches c as suspend observer, backend listener, predict
// observer and line counter.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithStderr sets the engine's stderr. The default is os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithStatusHandler is called after the runtime has handled an engine
// status code.
func WithStatusHandler(fn func(code int32)) Option {
	return func(o *options) { o.onStatus = fn }
}

// WithRepositoryOptions configures the model fetcher.
func WithRepositoryOptions(opts ...repository.Option) Option {
	return func(o *options) { o.fetch = append(o.fetch, opts...) }
}

// WithGraphOptions configures the reference executor.
func WithGraphOptions(opts ...refgraph.Option) Option {
	return func(o *options) { o.graph = append(o.graph, opts...) }
}

// Runtime is one engine deployment.
type Runtime struct {
	target  config.Target
	engine  config.EngineConfig
	opts    options
	wz      wazero.Runtime
	loop    *bridge.Loop
	bridge  *bridge.Bridge
	fetcher *repository.Fetcher
	graphs  *refgraph.Engine
	sel     *backend.Selector
	session *inference.Session
	stream  *lineio.Stream

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	cancels map[int]context.CancelFunc
	nextRun int
	running sync.WaitGroup
}

// New builds the runtime for target and registers the host modules.
func New(ctx context.Context, eng config.EngineConfig, target config.Target, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		target:  target,
		engine:  eng,
		ready:   make(chan struct{}),
		cancels: make(map[int]context.CancelFunc),
	}
	r.opts.stderr = os.Stderr
	for _, opt := range opts {
		opt(&r.opts)
	}

	initial, err := target.InitialBackend()
	if err != nil {
		return nil, err
	}

	var bridgeOpts []bridge.Option
	var sessionOpts []inference.Option
	sink := r.opts.sink
	if c := r.opts.collector; c != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithObserver(c))
		sessionOpts = append(sessionOpts, inference.WithObserver(c))
		sink = c.Tee(sink)
	}

	r.loop = bridge.NewLoop()
	r.bridge = bridge.New(r.loop, bridgeOpts...)

	fetchOpts := r.opts.fetch
	if target.ModelBase != "" {
		fetchOpts = append([]repository.Option{repository.WithBase(target.ModelBase)}, fetchOpts...)
	}
	r.fetcher = repository.New(fetchOpts...)
	r.graphs = refgraph.New(r.fetcher, r.opts.graph...)

	r.sel = backend.NewSelector(r.graphs, r.bridge)
	if r.opts.collector != nil {
		r.sel.SetListener(r.opts.collector)
	}
	sessionOpts = append(sessionOpts, inference.WithSwitchGuard(r.sel))
	r.session = inference.NewSession(r.graphs, r.fetcher, r.bridge, sessionOpts...)
	r.stream = lineio.NewStream(sink)

	r.wz = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.wz); err != nil {
		r.release(ctx)
		return nil, errors.Registration(wasi_snapshot_preview1.ModuleName, "*", err)
	}

	env := &host.Env{
		Selector: r.sel,
		Session:  r.session,
		Stream:   r.stream,
		OnStatus: r.handleStatus,
	}
	if _, err := env.Instantiate(ctx, r.wz); err != nil {
		r.release(ctx)
		return nil, err
	}

	if initial != backend.None {
		if !r.sel.Set(ctx, initial) {
			Logger().Warn("initial backend unavailable",
				zap.String("target", target.Name),
				zap.Stringer("backend", initial))
		}
	}

	Logger().Info("runtime ready",
		zap.String("target", target.Name),
		zap.String("protocol", string(target.Protocol)),
		zap.String("model_base", target.ModelBase),
		zap.Stringer("backend", r.sel.Get()))
	return r, nil
}

func (r *Runtime) Stream() *lineio.Stream { return r.stream }
func (r *Runtime) Session() *inference.Session { return r.session }
func (r *Runtime) Selector() *backend.Selector { return r.sel }
func (r *Runtime) Fetcher() *repository.Fetcher { return r.fetcher }
func (r *Runtime) Target() config.Target { return r.target }
func (r *Runtime) Engine() config.EngineConfig { return r.engine }

// Ready is closed when the engine reports it has loaded its model.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// RunFile reads the engine binary at path and runs it.
func (r *Runtime) RunFile(ctx context.Context, path string) error {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return errors.Load("read engine "+path, err)
	}
	return r.Run(ctx, wasm)
}

// Run compiles wasm and runs its _start export on the calling goroutine
// until the engine exits. Exit code 0 is success. Close or cancelling ctx
// interrupts the engine at its next call or loop boundary.
func (r *Runtime) Run(ctx context.Context, wasm []byte) error {
	ctx, done, err := r.startRun(ctx)
	if err != nil {
		return err
	}
	defer done()

	compiled, err := r.wz.CompileModule(ctx, wasm)
	if err != nil {
		return errors.Load("compile engine", err)
	}
	defer compiled.Close(ctx)

	args := append([]string{r.target.Program()}, r.engine.Args()...)
	Logger().Info("starting engine", zap.Strings("args", args))

	mod, err := r.wz.InstantiateModule(ctx, compiled, r.moduleConfig(ctx, args))
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if stderrors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return errors.Wrap(errors.PhaseRuntime, errors.KindClosed, ctx.Err(), "engine interrupted")
		}
		return errors.New(errors.PhaseRuntime, errors.KindExecution).
			Op("run").
			Value(exitErr.ExitCode()).
			Detail("engine exited with code %d", exitErr.ExitCode()).
			Build()
	}
	return errors.Instantiation(err)
}

// Close stops the line stream so a parked stdin read sees EOF, interrupts
// running engines and waits for them, then releases the wazero runtime and
// the event loop.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.stream.Close()

		r.mu.Lock()
		r.closed = true
		for _, cancel := range r.cancels {
			cancel()
		}
		r.mu.Unlock()
		r.running.Wait()

		err = r.release(ctx)
	})
	return err
}

func (r *Runtime) startRun(ctx context.Context) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, errors.Closed("runtime")
	}
	ctx, cancel := context.WithCancel(ctx)
	id := r.nextRun
	r.nextRun++
	r.cancels[id] = cancel
	r.running.Add(1)

	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
		cancel()
		r.running.Done()
	}, nil
}

func (r *Runtime) release(ctx context.Context) error {
	var err error
	if r.wz != nil {
		err = r.wz.Close(ctx)
	}
	r.loop.Close()
	r.session.Unload()
	if cerr := r.fetcher.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Runtime) handleStatus(code int32) {
	switch code {
	case host.StatusReady:
		r.readyOnce.Do(func() {
			for _, line := range r.engine.Startup {
				r.stream.Submit(line)
			}
			close(r.ready)
		})
		Logger().Info("engine ready", zap.Int("startup_lines", len(r.engine.Startup)))
	case host.StatusFailed:
		Logger().Error("engine failed loading its model",
			zap.String("model", r.engine.Model),
			zap.String("model_base", r.target.ModelBase))
	default:
		Logger().Warn("unknown engine status", zap.Int32("code", code))
	}
	if r.opts.onStatus != nil {
		r.opts.onStatus(code)
	}
}
