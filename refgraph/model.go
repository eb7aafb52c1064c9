package refgraph

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/wippyai/nnbridge/errors"
	"github.com/wippyai/nnbridge/repository"
)

// Format is the only model.json format this executor understands.
const Format = "dense-heads"

// Head kinds.
const (
	KindGlobal  = "global"
	KindSpatial = "spatial"
	KindPolicy  = "policy"
)

// Activations.
const (
	Linear  = "linear"
	Tanh    = "tanh"
	Softmax = "softmax"
)

// WeightSpec describes one tensor stored in the weight shards.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// WeightGroup is a set of shards and the tensors packed into them.
type WeightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// HeadSpec is one output of the graph.
type HeadSpec struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Weights     string `json:"weights"`
	Bias        string `json:"bias"`
	PassWeights string `json:"passWeights,omitempty"`
	PassBias    string `json:"passBias,omitempty"`
	Activation  string `json:"activation,omitempty"`
}

// Manifest is the decoded model.json.
type Manifest struct {
	Format          string        `json:"format"`
	InputChannels   int           `json:"inputChannels"`
	GlobalChannels  int           `json:"globalChannels"`
	WeightsManifest []WeightGroup `json:"weightsManifest"`
	Heads           []HeadSpec    `json:"heads"`
}

// Source reads model files. repository.Fetcher implements it.
type Source interface {
	Resolve(model string) string
	ReadAll(ctx context.Context, location string) ([]byte, error)
}

type tensor struct {
	data  []float32
	shape []int
}

type head struct {
	spec     HeadSpec
	w, b     tensor
	pw, pb   tensor
	channels int
}

// model is a parsed, validated graph.
type model struct {
	name           string
	heads          []head
	inputChannels  int
	globalChannels int
}

func (m *model) features() int {
	return m.inputChannels + m.globalChannels
}

// ReadManifest reads and checks <path>/model.json without fetching shards.
func ReadManifest(ctx context.Context, src Source, path string) (Manifest, error) {
	raw, err := src.ReadAll(ctx, repository.Join(src.Resolve(path), repository.ModelFile))
	if err != nil {
		return Manifest{}, err
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Manifest{}, errors.Load("decode model.json", err)
	}
	if man.Format != Format {
		return Manifest{}, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("model format %q", man.Format))
	}
	return man, nil
}

// load reads <path>/model.json and its shards.
func load(ctx context.Context, src Source, path string) (*model, error) {
	man, err := ReadManifest(ctx, src, path)
	if err != nil {
		return nil, err
	}
	dir := src.Resolve(path)

	weights := make(map[string]tensor)
	for _, group := range man.WeightsManifest {
		var blob []byte
		for _, p := range group.Paths {
			shard, err := src.ReadAll(ctx, repository.Join(dir, p))
			if err != nil {
				return nil, err
			}
			blob = append(blob, shard...)
		}
		if err := unpack(blob, group.Weights, weights); err != nil {
			return nil, err
		}
	}

	return build(path, &man, weights)
}

func unpack(blob []byte, specs []WeightSpec, into map[string]tensor) error {
	off := 0
	for _, ws := range specs {
		if ws.DType != "" && ws.DType != "float32" {
			return errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("weight %s dtype %s", ws.Name, ws.DType))
		}
		n := 1
		for _, d := range ws.Shape {
			if d <= 0 {
				return errors.InvalidData(errors.PhaseLoad, fmt.Sprintf("weight %s has shape %v", ws.Name, ws.Shape))
			}
			n *= d
		}
		if off+n*4 > len(blob) {
			return errors.InvalidData(errors.PhaseLoad,
				fmt.Sprintf("weight %s needs %d bytes at %d, shards hold %d", ws.Name, n*4, off, len(blob)))
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[off+i*4:]))
		}
		off += n * 4
		into[ws.Name] = tensor{data: data, shape: ws.Shape}
	}
	if off != len(blob) {
		return errors.InvalidData(errors.PhaseLoad, fmt.Sprintf("%d trailing bytes in weight shards", len(blob)-off))
	}
	return nil
}

func build(name string, man *Manifest, weights map[string]tensor) (*model, error) {
	if man.InputChannels <= 0 || man.GlobalChannels < 0 {
		return nil, errors.InvalidData(errors.PhaseLoad,
			fmt.Sprintf("input channels %d, global channels %d", man.InputChannels, man.GlobalChannels))
	}
	if len(man.Heads) == 0 {
		return nil, errors.InvalidData(errors.PhaseLoad, "model has no heads")
	}
	m := &model{name: name, inputChannels: man.InputChannels, globalChannels: man.GlobalChannels}
	f := m.features()

	get := func(h HeadSpec, key string, shape ...int) (tensor, error) {
		t, ok := weights[key]
		if !ok {
			return tensor{}, errors.NotFound(errors.PhaseLoad, "weight", key)
		}
		if !sameShape(t.shape, shape) {
			return tensor{}, errors.InvalidData(errors.PhaseLoad,
				fmt.Sprintf("head %s weight %s has shape %v, want %v", h.Name, key, t.shape, shape))
		}
		return t, nil
	}

	for _, hs := range man.Heads {
		switch hs.Activation {
		case "", Linear, Tanh, Softmax:
		default:
			return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("activation %q", hs.Activation))
		}
		w, ok := weights[hs.Weights]
		if !ok || len(w.shape) != 2 {
			return nil, errors.InvalidData(errors.PhaseLoad, fmt.Sprintf("head %s: missing or non-matrix weights %q", hs.Name, hs.Weights))
		}
		k := w.shape[1]
		h := head{spec: hs, channels: k}

		var err error
		switch hs.Kind {
		case KindGlobal:
			if h.w, err = get(hs, hs.Weights, f, k); err != nil {
				return nil, err
			}
		case KindSpatial, KindPolicy:
			if h.w, err = get(hs, hs.Weights, m.inputChannels, k); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("head kind %q", hs.Kind))
		}
		if h.b, err = get(hs, hs.Bias, k); err != nil {
			return nil, err
		}
		if hs.Kind == KindPolicy {
			if h.pw, err = get(hs, hs.PassWeights, f, k); err != nil {
				return nil, err
			}
			if h.pb, err = get(hs, hs.PassBias, k); err != nil {
				return nil, err
			}
		}
		m.heads = append(m.heads, h)
	}
	return m, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
