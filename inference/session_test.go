package inference

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wippyai/nnbridge"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/bufview"
	bridgeerrors "github.com/wippyai/nnbridge/errors"
)

type fakeGraph struct {
	execErr  error
	outputs  func(inputs map[string]Input) []Tensor
	mu       sync.Mutex
	inputs   map[string]Input
	disposed bool
}

func (g *fakeGraph) Execute(_ context.Context, inputs map[string]Input) ([]Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = map[string]Input{}
	for k, v := range inputs {
		g.inputs[k] = Input{Data: append([]float32(nil), v.Data...), Shape: v.Shape}
	}
	if g.execErr != nil {
		return nil, g.execErr
	}
	return g.outputs(inputs), nil
}

func (g *fakeGraph) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disposed = true
}

type fakeRuntime struct {
	graphs map[string]*fakeGraph
}

func (r *fakeRuntime) LoadGraph(_ context.Context, path string) (Graph, error) {
	g, ok := r.graphs[path]
	if !ok {
		return nil, errors.New("no such model")
	}
	return g, nil
}

type fakeMeta map[string]int

func (m fakeMeta) FetchMetadata(_ context.Context, path string) (Metadata, error) {
	v, ok := m[path]
	if !ok {
		return Metadata{}, errors.New("metadata.json: 404")
	}
	return Metadata{Name: path, Version: v}, nil
}

type flagGuard struct{ on bool }

func (f *flagGuard) Switching() bool { return f.on }

type countingObserver struct{ dropped int }

func (c *countingObserver) OutputsDropped(n int) { c.dropped += n }

// badTensor reports one size but yields data of another length.
type badTensor struct {
	size int
	data []float32
	err  error
}

func (b *badTensor) Size() int                { return b.size }
func (b *badTensor) Data() ([]float32, error) { return b.data, b.err }

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

const (
	offInput  = 0
	offGlobal = 1024
	offValue  = 2048
	offMisc   = 2112
	offOwner  = 2304
	offPolicy = 2688
	memSize   = 4096
)

func request(batch, cells uint32) PredictRequest {
	return PredictRequest{
		BatchCount:     batch,
		Input:          offInput,
		BoardCells:     cells,
		InputChannels:  2,
		GlobalInput:    offGlobal,
		GlobalChannels: 3,
		Values:         offValue,
		MiscValues:     offMisc,
		Ownerships:     offOwner,
		Policies:       offPolicy,
	}
}

func newTestSession(t *testing.T, rt Runtime, meta MetadataSource, opts ...Option) *Session {
	t.Helper()
	loop := bridge.NewLoop()
	t.Cleanup(loop.Close)
	return NewSession(rt, meta, bridge.New(loop), opts...)
}

func readRegion(t *testing.T, mem nnbridge.Memory, offset, count uint32) []float32 {
	t.Helper()
	got, err := bufview.ReadFloats(mem, offset, count)
	if err != nil {
		t.Fatalf("ReadFloats(%d, %d): %v", offset, count, err)
	}
	return append([]float32(nil), got...)
}

func allEqual(vals []float32, v float32) bool {
	for _, x := range vals {
		if x != v {
			return false
		}
	}
	return true
}

func untouched(mem nnbridge.SliceMemory) bool {
	for _, b := range mem[offValue:] {
		if b != 0 {
			return false
		}
	}
	return true
}

func scatterGraph(sizes ...int) *fakeGraph {
	return &fakeGraph{outputs: func(map[string]Input) []Tensor {
		out := make([]Tensor, len(sizes))
		for i, n := range sizes {
			out[i] = &Dense{Values: fill(n, float32(n))}
		}
		return out
	}}
}

func TestSession_DefaultVersion(t *testing.T) {
	s := newTestSession(t, &fakeRuntime{}, fakeMeta{})

	for i := 0; i < 3; i++ {
		if v := s.Version(); v != 8 {
			t.Fatalf("Version = %d, want 8", v)
		}
	}
	if s.State() != StateUnloaded {
		t.Errorf("State = %v, want unloaded", s.State())
	}
}

func TestSession_PredictScatterBySize(t *testing.T) {
	tests := []struct {
		name    string
		version int
		sizes   []int
		aux     uint32
	}{
		{"version 8", 8, []int{164, 3, 81, 10}, 10},
		{"version 9", 9, []int{6, 81, 164, 3}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := scatterGraph(tt.sizes...)
			s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{"m": tt.version})
			if !s.Download(context.Background(), "m") {
				t.Fatal("Download failed")
			}

			mem := make(nnbridge.SliceMemory, memSize)
			if err := bufview.WriteFloats(mem, offGlobal, 3, []float32{1, 2, 3}); err != nil {
				t.Fatal(err)
			}
			if !s.Predict(context.Background(), mem, request(1, 81)) {
				t.Fatal("Predict failed")
			}

			checks := []struct {
				slot   string
				offset uint32
				count  uint32
			}{
				{"value", offValue, 3},
				{"misc", offMisc, tt.aux},
				{"ownership", offOwner, 81},
				{"policy", offPolicy, 164},
			}
			for _, c := range checks {
				got := readRegion(t, mem, c.offset, c.count)
				if !allEqual(got, float32(c.count)) {
					t.Errorf("%s region = %v, want all %d", c.slot, got, c.count)
				}
			}

			in := g.inputs[InputGlobal]
			if len(in.Shape) != 2 || in.Shape[0] != 1 || in.Shape[1] != 3 {
				t.Errorf("global shape = %v", in.Shape)
			}
			if len(in.Data) != 3 || in.Data[2] != 3 {
				t.Errorf("global data = %v", in.Data)
			}
			if shape := g.inputs[InputSpatial].Shape; shape[0] != 1 || shape[1] != 81 || shape[2] != 2 {
				t.Errorf("spatial shape = %v", shape)
			}
		})
	}
}

func TestSession_PredictDropsUnmatched(t *testing.T) {
	obs := &countingObserver{}
	g := scatterGraph(3, 10, 81, 164, 7)
	s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{"m": 8}, WithObserver(obs))
	if !s.LoadModel(context.Background(), "m") {
		t.Fatal("LoadModel failed")
	}

	mem := make(nnbridge.SliceMemory, memSize)
	if !s.Predict(context.Background(), mem, request(1, 81)) {
		t.Fatal("Predict failed")
	}
	if obs.dropped != 1 {
		t.Errorf("dropped = %d, want 1", obs.dropped)
	}
}

func TestSession_PredictBatchScaling(t *testing.T) {
	g := scatterGraph(6, 20, 18, 40)
	s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{"m": 8})
	s.LoadModel(context.Background(), "m")

	mem := make(nnbridge.SliceMemory, memSize)
	if !s.Predict(context.Background(), mem, request(2, 9)) {
		t.Fatal("Predict failed")
	}
	if got := readRegion(t, mem, offPolicy, 40); !allEqual(got, 40) {
		t.Errorf("policy region = %v", got)
	}
	if got := readRegion(t, mem, offValue, 6); !allEqual(got, 6) {
		t.Errorf("value region = %v", got)
	}
}

func TestSession_PredictFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) (*Session, PredictRequest)
	}{
		{
			name: "no model",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				return newTestSession(t, &fakeRuntime{}, fakeMeta{}), request(1, 81)
			},
		},
		{
			name: "backend switch pending",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				g := scatterGraph(3, 10, 81, 164)
				s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{},
					WithSwitchGuard(&flagGuard{on: true}))
				s.LoadModel(context.Background(), "m")
				return s, request(1, 81)
			},
		},
		{
			name: "execution error",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				g := &fakeGraph{execErr: errors.New("backend lost")}
				s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{})
				s.LoadModel(context.Background(), "m")
				return s, request(1, 81)
			},
		},
		{
			name: "malformed tensor",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				g := &fakeGraph{outputs: func(map[string]Input) []Tensor {
					return []Tensor{
						&Dense{Values: fill(3, 1)},
						&Dense{Values: fill(10, 1)},
						&Dense{Values: fill(81, 1)},
						&badTensor{size: 164, data: fill(100, 1)},
					}
				}}
				s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{})
				s.LoadModel(context.Background(), "m")
				return s, request(1, 81)
			},
		},
		{
			name: "unreadable tensor",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				g := &fakeGraph{outputs: func(map[string]Input) []Tensor {
					return []Tensor{
						&Dense{Values: fill(3, 1)},
						&badTensor{size: 81, err: errors.New("context lost")},
					}
				}}
				s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{})
				s.LoadModel(context.Background(), "m")
				return s, request(1, 81)
			},
		},
		{
			name: "output region out of bounds",
			setup: func(t *testing.T) (*Session, PredictRequest) {
				g := scatterGraph(3, 10, 81, 164)
				s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{})
				s.LoadModel(context.Background(), "m")
				req := request(1, 81)
				req.Policies = memSize - 8
				return s, req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, req := tt.setup(t)
			mem := make(nnbridge.SliceMemory, memSize)
			if s.Predict(context.Background(), mem, req) {
				t.Fatal("Predict should fail")
			}
			if !untouched(mem) {
				t.Error("output regions written on failure")
			}
		})
	}
}

func TestSession_RemoveModelThenPredict(t *testing.T) {
	g := scatterGraph(3, 10, 81, 164)
	s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"m": g}}, fakeMeta{"m": 8})
	if !s.Download(context.Background(), "m") {
		t.Fatal("Download failed")
	}

	s.Unload()
	if !g.disposed {
		t.Error("graph not disposed on unload")
	}
	if s.State() != StateUnloaded {
		t.Errorf("State = %v, want unloaded", s.State())
	}

	mem := make(nnbridge.SliceMemory, memSize)
	if s.Predict(context.Background(), mem, request(1, 81)) {
		t.Error("Predict after unload should fail")
	}

	s.Unload()
}

func TestSession_LoadMetadata(t *testing.T) {
	s := newTestSession(t, &fakeRuntime{}, fakeMeta{"b18": 11, "broken": 0})

	if !s.LoadMetadata(context.Background(), "b18") {
		t.Fatal("LoadMetadata failed")
	}
	if v := s.Version(); v != 11 {
		t.Errorf("Version = %d, want 11", v)
	}
	if s.LoadMetadata(context.Background(), "missing") {
		t.Error("LoadMetadata of missing model should fail")
	}
	if s.LoadMetadata(context.Background(), "broken") {
		t.Error("LoadMetadata without a version should fail")
	}
	if v := s.Version(); v != 11 {
		t.Errorf("failed load changed version to %d", v)
	}
}

func TestSession_DownloadFailures(t *testing.T) {
	good := scatterGraph(3, 10, 81, 164)
	orphan := scatterGraph(3)
	rt := &fakeRuntime{graphs: map[string]*fakeGraph{"good": good, "nometa": orphan}}
	s := newTestSession(t, rt, fakeMeta{"good": 9, "nograph": 8})

	if s.Download(context.Background(), "nograph") {
		t.Fatal("Download without graph should fail")
	}
	if s.State() != StateLoadFailed {
		t.Errorf("State = %v, want load_failed", s.State())
	}

	if !s.Download(context.Background(), "good") {
		t.Fatal("Download failed")
	}

	if s.Download(context.Background(), "nometa") {
		t.Fatal("Download without metadata should fail")
	}
	if !orphan.disposed {
		t.Error("graph from a failed download should be disposed")
	}
	if s.State() != StateLoaded || s.Path() != "good" || good.disposed {
		t.Errorf("failed reload should keep the previous model: state=%v path=%q", s.State(), s.Path())
	}
	if s.Version() != 9 {
		t.Errorf("Version = %d, want 9", s.Version())
	}
}

func TestSession_ReplaceDisposesPrevious(t *testing.T) {
	a := scatterGraph(3)
	b := scatterGraph(3)
	s := newTestSession(t, &fakeRuntime{graphs: map[string]*fakeGraph{"a": a, "b": b}}, fakeMeta{})

	s.LoadModel(context.Background(), "a")
	s.LoadModel(context.Background(), "b")

	if !a.disposed {
		t.Error("previous graph not disposed")
	}
	if b.disposed {
		t.Error("current graph disposed")
	}
}

func TestSession_PredictErrorKinds(t *testing.T) {
	s := newTestSession(t, &fakeRuntime{}, fakeMeta{})
	err := s.predict(context.Background(), make(nnbridge.SliceMemory, 16), request(1, 81))
	if !errors.Is(err, bridgeerrors.ErrMisuse) {
		t.Errorf("err = %v, want misuse", err)
	}
}
