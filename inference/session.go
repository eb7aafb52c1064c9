package inference

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/nnbridge"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/bufview"
	"github.com/wippyai/nnbridge/errors"
)

// State is the lifecycle state of the session's model handle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateLoadFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// SwitchGuard reports whether a backend switch is in flight.
type SwitchGuard interface {
	Switching() bool
}

// Observer receives predict bookkeeping.
type Observer interface {
	OutputsDropped(n int)
}

// PredictRequest carries the raw arguments of the predict import. Pointers
// are byte offsets into linear memory.
type PredictRequest struct {
	BatchCount     uint32
	Input          uint32
	BoardCells     uint32
	InputChannels  uint32
	GlobalInput    uint32
	GlobalChannels uint32
	Values         uint32
	MiscValues     uint32
	Ownerships     uint32
	Policies       uint32
}

type Option func(*Session)

func WithSwitchGuard(g SwitchGuard) Option {
	return func(s *Session) {
		s.guard = g
	}
}

func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// Session owns at most one loaded graph and serves predict against it.
// Every blocking method parks the caller through the bridge.
type Session struct {
	runtime  Runtime
	meta     MetadataSource
	bridge   *bridge.Bridge
	guard    SwitchGuard
	observer Observer
	graph    Graph
	path     string
	mu       sync.Mutex
	version  int
	state    State
}

func NewSession(rt Runtime, meta MetadataSource, b *bridge.Bridge, opts ...Option) *Session {
	s := &Session{
		runtime: rt,
		meta:    meta,
		bridge:  b,
		version: DefaultVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the format version of the current model, or DefaultVersion
// if no metadata has been loaded.
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// State reports the handle lifecycle. LoadFailed is only reported while no
// handle is held; a failed reload keeps the previous model Loaded.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the location the current model was loaded from.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// LoadMetadata fetches metadata.json for path and records its version.
func (s *Session) LoadMetadata(ctx context.Context, path string) bool {
	var md Metadata
	_, err := s.bridge.Suspend(ctx, bridge.Go(bridge.CmdDownloadMetadata, func(ctx context.Context) (uint64, error) {
		m, err := s.fetchMetadata(ctx, path)
		if err != nil {
			return 0, err
		}
		md = m
		return 1, nil
	}))
	if err != nil {
		Logger().Warn("download metadata failed", zap.String("path", path), zap.Error(err))
		return false
	}

	s.mu.Lock()
	s.version = md.Version
	s.mu.Unlock()
	Logger().Info("model metadata loaded",
		zap.String("path", path),
		zap.String("name", md.Name),
		zap.Int("version", md.Version))
	return true
}

// LoadModel loads the graph at path, replacing the current one on success.
func (s *Session) LoadModel(ctx context.Context, path string) bool {
	s.beginLoad()

	var g Graph
	_, err := s.bridge.Suspend(ctx, bridge.Go(bridge.CmdDownloadModel, func(ctx context.Context) (uint64, error) {
		gr, err := s.runtime.LoadGraph(ctx, path)
		if err != nil {
			return 0, errors.Transport(path, err)
		}
		g = gr
		return 1, nil
	}))
	if err != nil {
		s.failLoad()
		Logger().Warn("download model failed", zap.String("path", path), zap.Error(err))
		return false
	}

	s.install(g, path, 0)
	return true
}

// Download fetches metadata and graph in parallel. Both must succeed.
func (s *Session) Download(ctx context.Context, path string) bool {
	s.beginLoad()

	var (
		md Metadata
		g  Graph
	)
	_, err := s.bridge.Suspend(ctx, bridge.Go(bridge.CmdDownloadModel, func(ctx context.Context) (uint64, error) {
		eg, gctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			m, err := s.fetchMetadata(gctx, path)
			if err != nil {
				return err
			}
			md = m
			return nil
		})
		eg.Go(func() error {
			gr, err := s.runtime.LoadGraph(gctx, path)
			if err != nil {
				return errors.Transport(path, err)
			}
			g = gr
			return nil
		})
		if err := eg.Wait(); err != nil {
			if g != nil {
				g.Dispose()
				g = nil
			}
			return 0, err
		}
		return 1, nil
	}))
	if err != nil {
		s.failLoad()
		Logger().Warn("download model failed", zap.String("path", path), zap.Error(err))
		return false
	}

	s.install(g, path, md.Version)
	Logger().Info("model loaded",
		zap.String("path", path),
		zap.String("name", md.Name),
		zap.Int("version", md.Version))
	return true
}

// Unload releases the current graph. Unloading with no model is a no-op.
func (s *Session) Unload() {
	s.mu.Lock()
	g := s.graph
	s.graph = nil
	s.path = ""
	s.state = StateUnloaded
	s.mu.Unlock()

	if g != nil {
		g.Dispose()
		Logger().Debug("model removed")
	}
}

func (s *Session) fetchMetadata(ctx context.Context, path string) (Metadata, error) {
	md, err := s.meta.FetchMetadata(ctx, path)
	if err != nil {
		return Metadata{}, errors.Transport(path, err)
	}
	if md.Version <= 0 {
		return Metadata{}, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Value(md.Version).
			Detail("metadata for %s has no usable version", path).
			Build()
	}
	if _, ok := DescribeVersion(md.Version); !ok {
		Logger().Warn("unrecognized model format version", zap.Int("version", md.Version))
	}
	return md, nil
}

func (s *Session) beginLoad() {
	s.mu.Lock()
	s.state = StateLoading
	s.mu.Unlock()
}

// failLoad settles a failed load. A previously loaded graph stays in place.
func (s *Session) failLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph != nil {
		s.state = StateLoaded
		return
	}
	s.state = StateLoadFailed
}

func (s *Session) install(g Graph, path string, version int) {
	s.mu.Lock()
	old := s.graph
	s.graph = g
	s.path = path
	s.state = StateLoaded
	if version > 0 {
		s.version = version
	}
	s.mu.Unlock()

	if old != nil && old != g {
		old.Dispose()
	}
}

// Predict runs the graph on inputs read from mem and scatters the results
// into the output regions. Nothing is written unless every output is valid.
func (s *Session) Predict(ctx context.Context, mem nnbridge.Memory, req PredictRequest) bool {
	if err := s.predict(ctx, mem, req); err != nil {
		Logger().Warn("predict failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) predict(ctx context.Context, mem nnbridge.Memory, req PredictRequest) error {
	s.mu.Lock()
	g := s.graph
	version := s.version
	s.mu.Unlock()

	if g == nil {
		return errors.Misuse("predict", "no model loaded")
	}
	if s.guard != nil && s.guard.Switching() {
		return errors.Misuse("predict", "backend switch in progress")
	}
	if req.BatchCount == 0 || req.BoardCells == 0 {
		return errors.New(errors.PhaseProtocol, errors.KindInvalidInput).
			Op("predict").
			Detail("batch %d with %d cells", req.BatchCount, req.BoardCells).
			Build()
	}

	batch, cells := int(req.BatchCount), int(req.BoardCells)
	layout := NewLayout(version, cells, batch)
	for _, n := range layout.Sizes {
		if uint64(n) > math.MaxUint32 {
			return errors.InvalidInput(errors.PhaseProtocol, "output region exceeds the address space")
		}
	}
	if amb := layout.Ambiguous(); len(amb) > 0 {
		Logger().Warn("output sizes collide, classifying by slot order",
			zap.Int("cells", cells),
			zap.Int("version", version),
			zap.Any("slots", amb))
	}

	spatialN, ok := product(req.BatchCount, req.BoardCells, req.InputChannels)
	if !ok {
		return errors.InvalidInput(errors.PhaseProtocol, "spatial input exceeds the address space")
	}
	globalN, ok := product(req.BatchCount, req.GlobalChannels)
	if !ok {
		return errors.InvalidInput(errors.PhaseProtocol, "global input exceeds the address space")
	}
	spatial, err := bufview.ReadFloats(mem, req.Input, spatialN)
	if err != nil {
		return err
	}
	global, err := bufview.ReadFloats(mem, req.GlobalInput, globalN)
	if err != nil {
		return err
	}

	regions := layout.Regions([4]uint32{req.Values, req.MiscValues, req.Ownerships, req.Policies})
	for _, r := range regions {
		if err := bufview.Check(mem, r); err != nil {
			return err
		}
	}

	inputs := map[string]Input{
		InputSpatial: {Data: spatial, Shape: []int{batch, cells, int(req.InputChannels)}},
		InputGlobal:  {Data: global, Shape: []int{batch, int(req.GlobalChannels)}},
	}

	var results []Tensor
	_, err = s.bridge.Suspend(ctx, bridge.Go(bridge.CmdPredict, func(ctx context.Context) (uint64, error) {
		r, err := g.Execute(ctx, inputs)
		if err != nil {
			return 0, errors.Execution("execute graph", err)
		}
		results = r
		return 1, nil
	}))
	if err != nil {
		return err
	}

	assigned, dropped := layout.Classify(results)
	if len(dropped) > 0 {
		Logger().Debug("dropping unmatched outputs", zap.Int("count", len(dropped)))
		if s.observer != nil {
			s.observer.OutputsDropped(len(dropped))
		}
	}

	var data [numSlots][]float32
	for slot, idx := range assigned {
		if idx < 0 {
			Logger().Debug("no output for slot", zap.Stringer("slot", Slot(slot)))
			continue
		}
		d, err := results[idx].Data()
		if err != nil {
			return errors.Execution("read "+Slot(slot).String()+" output", err)
		}
		if len(d) != layout.Sizes[slot] {
			return errors.New(errors.PhaseInference, errors.KindInvalidData).
				Op("predict").
				Detail("%s output has %d elements, want %d", Slot(slot), len(d), layout.Sizes[slot]).
				Build()
		}
		data[slot] = d
	}

	for slot, d := range data {
		if d == nil {
			continue
		}
		r := regions[slot]
		if err := bufview.WriteFloats(mem, r.Offset, r.Count, d); err != nil {
			return err
		}
	}
	return nil
}

func product(factors ...uint32) (uint32, bool) {
	n := uint64(1)
	for _, f := range factors {
		n *= uint64(f)
		if uint64(n) > math.MaxUint32 {
			return 0, false
		}
	}
	return uint32(n), true
}
